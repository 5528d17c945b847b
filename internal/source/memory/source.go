// Package memory provides a scripted remote source for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

// File pairs a remote candidate with its content.
type File struct {
	Meta ingest.RemoteFile
	Data []byte
}

// Source implements ingest.Source over a fixed set of files. Fetch failures
// can be scripted per remote id to exercise retry paths.
type Source struct {
	mu       sync.Mutex
	files    []File
	failures map[string][]error
	fetches  map[string]int
}

// New constructs a Source serving the given files in order.
func New(files ...File) *Source {
	return &Source{
		files:    append([]File(nil), files...),
		failures: make(map[string][]error),
		fetches:  make(map[string]int),
	}
}

// FailWith queues errors returned by successive Fetch calls for id before
// content is served.
func (s *Source) FailWith(id string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = append(s.failures[id], errs...)
}

// Fetches reports how many Fetch calls were made for id.
func (s *Source) Fetches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

// List returns a fresh listing over the current file set. Each call restarts
// from the beginning, matching a remote listing that cannot resume mid-page.
func (s *Source) List(_ context.Context) (ingest.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]ingest.RemoteFile, len(s.files))
	for i, f := range s.files {
		snapshot[i] = f.Meta
	}
	return &listing{files: snapshot}, nil
}

// Fetch returns the file's content, or the next scripted error.
func (s *Source) Fetch(ctx context.Context, file ingest.RemoteFile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch cancelled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[file.ID]++
	if queue := s.failures[file.ID]; len(queue) > 0 {
		err := queue[0]
		s.failures[file.ID] = queue[1:]
		return nil, err
	}
	for _, f := range s.files {
		if f.Meta.ID == file.ID {
			return append([]byte(nil), f.Data...), nil
		}
	}
	return nil, &ingest.FetchError{Retryable: false, Err: fmt.Errorf("remote file %q not found", file.ID)}
}

type listing struct {
	files []ingest.RemoteFile
	next  int
}

func (l *listing) Next(ctx context.Context) (ingest.RemoteFile, bool, error) {
	if err := ctx.Err(); err != nil {
		return ingest.RemoteFile{}, false, fmt.Errorf("listing cancelled: %w", err)
	}
	if l.next >= len(l.files) {
		return ingest.RemoteFile{}, false, nil
	}
	f := l.files[l.next]
	l.next++
	return f, true, nil
}
