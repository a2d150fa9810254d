package control

import (
	"context"
	"time"
)

// DefaultRecoveryDelay is the pause between a transport fault and the
// next reconnect attempt.
const DefaultRecoveryDelay = 15 * time.Second

// Backoff computes the delay before a reconnect attempt. With Max equal
// to Initial the delay is fixed.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// FixedBackoff waits d before every attempt.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Initial: d, Max: d}
}

// Delay returns min(Initial * 2^(attempt-1), Max). attempt counts from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultRecoveryDelay
	}
	limit := b.Max
	if limit < initial {
		limit = initial
	}
	if attempt <= 1 {
		return initial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
