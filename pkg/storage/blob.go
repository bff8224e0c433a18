// Package storage provides the gateway's persistence: the BlobStore contract
// for produced images and the repository contracts over Postgres for
// tenants, credentials, and jobs. Each contract ships a real implementation
// plus an in-memory fake for tests.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore persists produced images and returns a URL pollers can fetch.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// LocalBlobStore writes blobs under a base directory and serves them from a
// base URL (typically a static-file route or a CDN origin).
type LocalBlobStore struct {
	baseDir string
	baseURL string
}

// NewLocalBlobStore creates the directory if needed.
func NewLocalBlobStore(baseDir, baseURL string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalBlobStore{baseDir: baseDir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Put implements BlobStore.
func (s *LocalBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob subdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return s.baseURL + "/" + key, nil
}

// MemoryBlobStore is the in-memory fake.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
	// FailWith, when set, makes Put fail. FailAfter delays the failure until
	// that many puts have succeeded, for partial-upload scenarios.
	FailWith  error
	FailAfter int
}

// NewMemoryBlobStore creates an empty fake.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put implements BlobStore.
func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil && s.puts >= s.FailAfter {
		return "", s.FailWith
	}
	s.puts++
	s.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get returns a stored blob, for test assertions.
func (s *MemoryBlobStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
