// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "imagepipeline.log")

	log, err := New("warn", path, WithRotation(Rotation{MaxSize: 1, MaxBackups: 1}))
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept", zap.String("id", "http://example.com/a.png"))
	require.NoError(t, log.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "http://example.com/a.png", lines[0]["id"])

	ts, ok := lines[0]["ts"].(string)
	require.True(t, ok, "timestamp is not a string")
	_, err = time.Parse("2006-01-02T15:04:05.000Z0700", ts)
	assert.NoError(t, err)
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		info  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true},
		{"error", false, false},
	}
	for _, tt := range tests {
		log, err := New(tt.level, "")
		require.NoError(t, err)
		assert.Equal(t, tt.debug, log.Core().Enabled(zap.DebugLevel), "level %q debug", tt.level)
		assert.Equal(t, tt.info, log.Core().Enabled(zap.InfoLevel), "level %q info", tt.level)
	}
}
