// Package stage holds source video payloads between submission and transfer.
// The API stages multipart bodies here so Submit can return immediately; the
// worker opens the staged payload, streams it to YouTube and removes it on
// every terminal path.
package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Stage is scoped blob storage for in-flight upload payloads.
type Stage interface {
	// Put writes the payload under key and returns the byte count.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns the payload and its size.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Remove deletes the payload. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// DiskStage keeps staged payloads under a local directory. Suitable when the
// API and the worker share a host; use R2Stage otherwise.
type DiskStage struct {
	dir string
}

func NewDiskStage(dir string) (*DiskStage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &DiskStage{dir: dir}, nil
}

func (s *DiskStage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create staging dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create staged file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write staged file: %w", err)
	}
	return n, nil
}

func (s *DiskStage) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open staged file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat staged file: %w", err)
	}
	return f, info.Size(), nil
}

func (s *DiskStage) Remove(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

func (s *DiskStage) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}
