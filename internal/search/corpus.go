// Package search scans the local file corpus for keyword matches with a
// bounded worker pool and writes a timestamped results artifact.
package search

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Corpus lists the text files a search job scans.
type Corpus interface {
	Files(ctx context.Context) ([]string, error)
}

// DirCorpus walks a directory tree for .txt files. The listing is sorted so
// work partitioning is deterministic.
type DirCorpus struct {
	Root string
}

// Files returns the absolute paths of all .txt files under Root. A missing
// root yields an empty corpus rather than an error.
func (c DirCorpus) Files(ctx context.Context) ([]string, error) {
	if c.Root == "" {
		return nil, fmt.Errorf("corpus root is required")
	}
	if _, err := os.Stat(c.Root); os.IsNotExist(err) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(c.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".txt") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
