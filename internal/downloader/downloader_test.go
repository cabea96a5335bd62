// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	payload := []byte("downloaded payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	// The nested directory is created on demand.
	filePath := filepath.Join(t.TempDir(), "cache", "payload.bin")
	size, err := Download(server.URL, filePath, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	filePath := filepath.Join(t.TempDir(), "payload.bin")
	_, err := Download(url, filePath, false)
	require.Error(t, err)
	// The created file is closed on the error path, so it can be removed.
	require.NoError(t, os.Remove(filePath))
}

func TestDownloadIfMissing(t *testing.T) {
	payload := []byte("checksummed payload")
	hash := sha256.Sum256(payload)
	goodHash := hex.EncodeToString(hash[:])
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))

	filePath := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, DownloadIfMissing(server.URL, filePath, goodHash))

	// The file exists now, so a new download is not attempted even though the
	// server is gone.
	server.Close()
	require.NoError(t, DownloadIfMissing(server.URL, filePath, goodHash))

	// A checksum mismatch is an error, and the offending file is removed.
	badHash := hex.EncodeToString(make([]byte, sha256.Size))
	err := DownloadIfMissing(server.URL, filePath, badHash)
	require.Error(t, err)
	assert.NoFileExists(t, filePath)
}
