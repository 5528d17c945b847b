// Package memory provides an in-memory ledger for development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

// Ledger keeps entries in memory, in insertion order. It mirrors the
// Postgres ledger's semantics, including ConflictError on duplicates.
type Ledger struct {
	mu      sync.RWMutex
	byID    map[string]int
	entries []ingest.LedgerEntry
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{byID: make(map[string]int)}
}

// Has reports whether remoteID was already recorded.
func (l *Ledger) Has(_ context.Context, remoteID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[remoteID]
	return ok, nil
}

// Insert appends an entry; duplicates fail with ConflictError.
func (l *Ledger) Insert(_ context.Context, entry ingest.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[entry.RemoteID]; ok {
		return &ingest.ConflictError{Resource: "ledger entry", Key: entry.RemoteID}
	}
	entry.DownloadedAt = ingest.StampTime(entry.DownloadedAt)
	l.byID[entry.RemoteID] = len(l.entries)
	l.entries = append(l.entries, entry)
	return nil
}

// Count returns the number of entries, optionally filtered by origin.
func (l *Ledger) Count(_ context.Context, origin ingest.Origin) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if origin == "" {
		return len(l.entries), nil
	}
	count := 0
	for _, e := range l.entries {
		if e.Origin == origin {
			count++
		}
	}
	return count, nil
}

// List returns a copied page of entries in insertion order, optionally
// filtered by origin.
func (l *Ledger) List(_ context.Context, origin ingest.Origin, offset, limit int) ([]ingest.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	matched := l.entries
	if origin != "" {
		matched = nil
		for _, e := range l.entries {
			if e.Origin == origin {
				matched = append(matched, e)
			}
		}
	}
	if offset >= len(matched) || limit <= 0 {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]ingest.LedgerEntry, end-offset)
	copy(out, matched[offset:end])
	return out, nil
}
