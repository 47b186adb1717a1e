// Package retry implements the exponential backoff policy of spec §4.9:
// a caller-visible classification of which errors are worth retrying and a
// schedule for spacing those retries out.
//
// Grounded on the teacher's own retry usage is absent from k4.go (the
// teacher never retries — a failed write simply fails), so this package is
// new code, shaped the way erigontech/erigon-lib's client retry loops are
// shaped: a small Policy value plus a Do helper, no external backoff
// library, since the schedule is a single spec-mandated formula.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// Policy configures exponential backoff with a multiplier and a ceiling.
type Policy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
}

// DefaultPolicy matches spec §4.9's suggested defaults.
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2.0,
}

// Backoff returns the delay before attempt number n (1-indexed): capped at
// MaxBackoff, then scaled by a random factor in [0.9, 1.1) so concurrent
// retriers don't lockstep (so the result can exceed MaxBackoff by up to 10%).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d > float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	jitter := 1.0 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(d * jitter)
}

// Do runs fn, retrying on model.Retryable errors up to MaxAttempts times,
// sleeping Backoff between attempts, and returning the last error (or ctx's
// error) if every attempt fails.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !model.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}
