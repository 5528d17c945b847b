package ingest

import (
	"context"
	"time"
)

// Ledger is the durable record of files already fetched, keyed by remote
// identifier. One writer (the active download job) and many readers (status
// queries) may use it concurrently. It is the sole source of truth for
// "already downloaded" across process restarts.
type Ledger interface {
	// Has reports whether remoteID was already downloaded.
	Has(ctx context.Context, remoteID string) (bool, error)
	// Insert records a completed download. A duplicate remote id fails with
	// ConflictError and leaves the existing row untouched.
	Insert(ctx context.Context, entry LedgerEntry) error
	// Count returns the number of entries, optionally filtered by origin.
	// An empty origin counts everything.
	Count(ctx context.Context, origin Origin) (int, error)
	// List returns a page of entries in insertion order, optionally
	// filtered by origin. An empty origin lists everything.
	List(ctx context.Context, origin Origin, offset, limit int) ([]LedgerEntry, error)
}

// Listing walks remote candidates lazily in listing order. It restarts from
// the beginning on every run; only the Ledger provides resumability.
type Listing interface {
	// Next returns the next candidate. ok is false once the listing is
	// exhausted.
	Next(ctx context.Context) (file RemoteFile, ok bool, err error)
}

// Source abstracts the remote messaging side: an opaque paginated listing of
// file objects plus retrieval of their content. Fetch may fail with
// RateLimitError carrying a retry-after hint, or with FetchError.
type Source interface {
	List(ctx context.Context) (Listing, error)
	Fetch(ctx context.Context, file RemoteFile) ([]byte, error)
}

// Fetcher retrieves one candidate with retry handling already applied.
// Errors it returns are final for the item; the run records them and moves on.
type Fetcher interface {
	Fetch(ctx context.Context, file RemoteFile) ([]byte, error)
}

// BlobStore persists artifacts (downloaded files, search results) and
// returns the stored location.
type BlobStore interface {
	// PutUnique writes data under name, de-duplicating collisions with a
	// numeric suffix, and returns the location actually used.
	PutUnique(ctx context.Context, name string, data []byte) (string, error)
}

// Publisher pushes job lifecycle events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration or until the context ends. Injected so retry
// waits are testable without real delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
