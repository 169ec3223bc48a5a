// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
)

type objectHandle interface {
	Open(ctx context.Context) (*Stream, error)
}

type bucketHandle interface {
	Object(name string) objectHandle
}

type storageObject struct {
	*storage.ObjectHandle
}

func (o storageObject) Open(ctx context.Context) (*Stream, error) {
	r, err := o.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: r, Size: r.Attrs.Size, ContentType: r.Attrs.ContentType}, nil
}

type storageBucket struct {
	*storage.BucketHandle
}

func (b storageBucket) Object(name string) objectHandle {
	return storageObject{b.BucketHandle.Object(name)}
}

// GCS fetches objects from Google Cloud Storage.  URLs are of the form
// "gs://bucket/object".
type GCS struct {
	bucket func(name string) bucketHandle
	close  func() error
}

// NewGCS returns a GCS fetcher.  Credentials should be specified using one
// of the mechanisms supported for Application Default Credentials (see
// https://cloud.google.com/docs/authentication/production)
func NewGCS(ctx context.Context) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{
		bucket: func(name string) bucketHandle { return storageBucket{client.Bucket(name)} },
		close:  client.Close,
	}, nil
}

// Fetch retrieves the object named by rawURL.
func (f *GCS) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || name == "" {
		return nil, fmt.Errorf("fetch %s: url must be of the form gs://bucket/object", rawURL)
	}

	s, err := f.bucket(u.Host).Object(name).Open(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return s, nil
}

// Close releases the underlying storage client.
func (f *GCS) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}
