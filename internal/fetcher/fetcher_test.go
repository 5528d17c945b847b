package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/metrics"
	sourcemem "github.com/dinoz0rg/telegram-txt-downloader/internal/source/memory"
)

// fakeSleeper records requested waits without blocking.
type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     BackoffPolicy{Initial: 100 * time.Millisecond, Max: time.Second},
	}
}

func TestFetchSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	sleeper := &fakeSleeper{}

	data, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data %q", data)
	}
	if len(sleeper.recorded()) != 0 {
		t.Fatalf("expected no waits, got %v", sleeper.recorded())
	}
}

func TestFetchHonorsRetryAfterExactly(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1", &ingest.RateLimitError{RetryAfter: 42 * time.Second})
	sleeper := &fakeSleeper{}

	data, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data %q", data)
	}
	waits := sleeper.recorded()
	if len(waits) != 1 || waits[0] != 42*time.Second {
		t.Fatalf("expected exactly the retry-after wait, got %v", waits)
	}
}

func TestFetchBacksOffOnTransientErrors(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1",
		&ingest.FetchError{Retryable: true, Err: errors.New("timeout")},
		&ingest.FetchError{Retryable: true, Err: errors.New("timeout")},
	)
	sleeper := &fakeSleeper{}

	_, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	waits := sleeper.recorded()
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Fatalf("expected doubling backoff waits, got %v", waits)
	}
}

func TestFetchExhaustsAttempts(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1",
		&ingest.FetchError{Retryable: true, Err: errors.New("timeout")},
		&ingest.FetchError{Retryable: true, Err: errors.New("timeout")},
		&ingest.FetchError{Retryable: true, Err: errors.New("timeout")},
	)
	sleeper := &fakeSleeper{}

	_, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	var fe *ingest.FetchError
	if !errors.As(err, &fe) || fe.Retryable {
		t.Fatalf("expected non-retryable exhaustion error, got %v", err)
	}
	if got := src.Fetches("1"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchNonRetryableSurfacesImmediately(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt"}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1", &ingest.FetchError{Retryable: false, Err: errors.New("permission denied")})
	sleeper := &fakeSleeper{}

	_, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	if err == nil || ingest.IsRetryable(err) {
		t.Fatalf("expected immediate non-retryable error, got %v", err)
	}
	if got := src.Fetches("1"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if len(sleeper.recorded()) != 0 {
		t.Fatalf("expected no waits, got %v", sleeper.recorded())
	}
}

func TestFetchRejectsTruncatedObjects(t *testing.T) {
	t.Parallel()

	// Advertised size is 10 but the source serves 5 bytes; every attempt
	// fails verification.
	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 10}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	sleeper := &fakeSleeper{}

	_, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file)
	if err == nil {
		t.Fatal("expected error for truncated object")
	}
	if got := src.Fetches("1"); got != 3 {
		t.Fatalf("expected all attempts consumed, got %d", got)
	}
}

func TestFetchCancelledDuringWait(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1", &ingest.RateLimitError{RetryAfter: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A real sleeper returns promptly on a cancelled context; the fetch
	// must not fall through to another attempt.
	_, err := New(src, testConfig(), cancelAwareSleeper{}, nil).Fetch(ctx, file)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if got := src.Fetches("1"); got > 1 {
		t.Fatalf("expected no further attempts after cancel, got %d", got)
	}
}

type cancelAwareSleeper struct{}

func (cancelAwareSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep interrupted: %w", err)
	}
	return nil
}

func TestWithRateLimitObserverReportsWaits(t *testing.T) {
	t.Parallel()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1", &ingest.RateLimitError{RetryAfter: 7 * time.Second})
	sleeper := &fakeSleeper{}

	var mu sync.Mutex
	var observed []time.Duration
	f := New(src, testConfig(), sleeper, nil).WithRateLimitObserver(
		func(_ ingest.RemoteFile, wait time.Duration) {
			mu.Lock()
			observed = append(observed, wait)
			mu.Unlock()
		},
	)

	if _, err := f.Fetch(context.Background(), file); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != 7*time.Second {
		t.Fatalf("expected one observed wait of 7s, got %v", observed)
	}
}

func TestFetchRecordsAttemptOutcomes(t *testing.T) {
	// Not parallel: it reads the process-wide attempt counters, and the
	// parallel tests resume only after serial tests finish.
	metrics.Init()

	file := ingest.RemoteFile{ID: "1", Name: "a.txt", SizeBytes: 5}
	src := sourcemem.New(sourcemem.File{Meta: file, Data: []byte("hello")})
	src.FailWith("1", &ingest.RateLimitError{RetryAfter: time.Second})
	sleeper := &fakeSleeper{}
	if _, err := New(src, testConfig(), sleeper, nil).Fetch(context.Background(), file); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	denied := ingest.RemoteFile{ID: "2", Name: "b.txt", SizeBytes: 5}
	src2 := sourcemem.New(sourcemem.File{Meta: denied, Data: []byte("hello")})
	src2.FailWith("2", &ingest.FetchError{Retryable: false, Err: errors.New("permission denied")})
	if _, err := New(src2, testConfig(), sleeper, nil).Fetch(context.Background(), denied); err == nil {
		t.Fatal("expected non-retryable error")
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`txtdl_source_fetch_attempts_total{outcome="ok"} 1`,
		`txtdl_source_fetch_attempts_total{outcome="rate_limited"} 1`,
		`txtdl_source_fetch_attempts_total{outcome="permanent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
