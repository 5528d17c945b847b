// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a local filesystem-backed blob store, creating BaseDir when
// missing and verifying it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("base directory path is not a directory")
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat base directory: %w", err)
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writability check: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutUnique writes data under name, de-duplicating collisions with a numeric
// suffix ("list.txt" becomes "list_2.txt"), and returns the path actually used.
func (s *BlobStore) PutUnique(_ context.Context, name string, data []byte) (string, error) {
	candidate := name
	for n := 2; ; n++ {
		fullPath, err := s.resolve(candidate)
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				candidate = ingest.SuffixFilename(name, n)
				continue
			}
			return "", wrapWriteError(err)
		}
		_, writeErr := f.Write(data)
		closeErr := f.Close()
		if writeErr != nil {
			_ = os.Remove(fullPath)
			return "", wrapWriteError(writeErr)
		}
		if closeErr != nil {
			_ = os.Remove(fullPath)
			return "", wrapWriteError(closeErr)
		}
		return fullPath, nil
	}
}


// resolve joins name onto the base dir and rejects path traversal.
func (s *BlobStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	fullPath := filepath.Join(s.baseDir, name)
	cleanBase := filepath.Clean(s.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if cleanFull != cleanBase && !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFull, nil
}

func wrapWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return &ingest.StorageError{DiskFull: true, Err: err}
	}
	return &ingest.StorageError{Err: err}
}
