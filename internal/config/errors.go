// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package config

import "fmt"

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}
