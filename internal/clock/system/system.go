// Package system provides the real clock and sleeper implementations.
package system

import (
	"context"
	"fmt"
	"time"
)

// Clock implements ingest.Clock backed by time.Now.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleeper implements ingest.Sleeper with a real timer.
type Sleeper struct{}

// NewSleeper creates a Sleeper.
func NewSleeper() *Sleeper {
	return &Sleeper{}
}

// Sleep blocks for d or until ctx ends, whichever comes first.
func (Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
