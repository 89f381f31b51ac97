package runtime

import (
	"context"
	"time"

	"github.com/stepherg/omi"
)

// Backoff is the reconnect wait policy: attempt n waits n*10*Unit until
// MaxAttempts is reached, then a fixed Cooldown before every further try.
// There is no give-up state.
type Backoff struct {
	Unit        time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

func newBackoff(p omi.ReconnectPolicy) Backoff {
	def := omi.DefaultConnectorOptions().Reconnect
	b := Backoff{Unit: p.Unit, MaxAttempts: p.MaxAttempts, Cooldown: p.Cooldown}
	if b.Unit <= 0 {
		b.Unit = def.Unit
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.Cooldown <= 0 {
		b.Cooldown = def.Cooldown
	}
	return b
}

// Delay returns the wait before retrying after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= b.MaxAttempts {
		return b.Cooldown
	}
	return time.Duration(attempt) * 10 * b.Unit
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
