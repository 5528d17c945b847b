package fetcher

import "time"

// BackoffPolicy maps a zero-based attempt number to the wait before the next
// try: the initial delay doubles per attempt up to a ceiling. It is a pure
// function of the attempt so retry behavior is testable without real time.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff mirrors the service defaults.
var DefaultBackoff = BackoffPolicy{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
}

// Delay returns the wait after the given failed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}
