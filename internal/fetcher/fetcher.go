// Package fetcher wraps remote object retrieval with rate-limit-aware
// retry handling.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/metrics"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts bounds fetch attempts per candidate, rate-limit waits
	// included.
	MaxAttempts int
	// Backoff schedules waits after transient (non-rate-limit) failures.
	Backoff BackoffPolicy
}

// Retrying fetches candidates from a Source, absorbing rate-limit signals
// and transient failures. Rate-limit waits honor the source's retry-after
// exactly; under-waiting risks compounding penalties. Errors returned from
// Fetch are final for the item.
type Retrying struct {
	source      ingest.Source
	cfg         Config
	sleeper     ingest.Sleeper
	logger      *zap.Logger
	onRateLimit func(file ingest.RemoteFile, wait time.Duration)
}

// New constructs a Retrying fetcher.
func New(source ingest.Source, cfg Config, sleeper ingest.Sleeper, logger *zap.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		source:  source,
		cfg:     cfg,
		sleeper: sleeper,
		logger:  logger,
	}
}

// WithRateLimitObserver returns a copy of the fetcher that reports every
// rate-limit pause to fn before waiting. Jobs use it to surface waits in
// their progress streams.
func (f *Retrying) WithRateLimitObserver(fn func(file ingest.RemoteFile, wait time.Duration)) ingest.Fetcher {
	c := *f
	c.onRateLimit = fn
	return &c
}

// Fetch retrieves one candidate, retrying per policy. A nil error means data
// holds the complete object.
func (f *Retrying) Fetch(ctx context.Context, file ingest.RemoteFile) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", err)
		}
		data, err := f.source.Fetch(ctx, file)
		if err == nil {
			verifyErr := verify(file, data)
			if verifyErr == nil {
				metrics.ObserveFetchAttempt("ok")
				return data, nil
			}
			metrics.ObserveFetchAttempt("retryable")
			lastErr = verifyErr
			f.logger.Warn("incomplete fetch result",
				zap.String("remote_id", file.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(verifyErr),
			)
		} else {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
			}
			var rl *ingest.RateLimitError
			if errors.As(err, &rl) {
				metrics.ObserveFetchAttempt("rate_limited")
				lastErr = err
				f.logger.Warn("rate limited by source",
					zap.String("remote_id", file.ID),
					zap.Duration("retry_after", rl.RetryAfter),
					zap.Int("attempt", attempt+1),
				)
				if f.onRateLimit != nil {
					f.onRateLimit(file, rl.RetryAfter)
				}
				// Wait exactly what the source asked for, never less.
				if sleepErr := f.sleeper.Sleep(ctx, rl.RetryAfter); sleepErr != nil {
					return nil, fmt.Errorf("fetch cancelled: %w", sleepErr)
				}
				continue
			}
			if !ingest.IsRetryable(err) {
				metrics.ObserveFetchAttempt("permanent")
				return nil, err
			}
			metrics.ObserveFetchAttempt("retryable")
			lastErr = err
			f.logger.Warn("transient fetch failure",
				zap.String("remote_id", file.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}

		if attempt < f.cfg.MaxAttempts-1 {
			wait := f.cfg.Backoff.Delay(attempt)
			if sleepErr := f.sleeper.Sleep(ctx, wait); sleepErr != nil {
				return nil, fmt.Errorf("fetch cancelled: %w", sleepErr)
			}
		}
	}
	return nil, &ingest.FetchError{
		Retryable: false,
		Err:       fmt.Errorf("attempts exhausted after %d tries: %w", f.cfg.MaxAttempts, lastErr),
	}
}

// verify rejects empty and short objects; the source advertises sizes, so a
// mismatch means a truncated transfer worth retrying.
func verify(file ingest.RemoteFile, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty object")
	}
	if file.SizeBytes > 0 && int64(len(data)) != file.SizeBytes {
		return fmt.Errorf("size mismatch: got %d bytes, want %d", len(data), file.SizeBytes)
	}
	return nil
}
