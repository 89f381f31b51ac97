package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stepherg/omi"
)

func TestBackoffDelay(t *testing.T) {
	b := newBackoff(omi.ReconnectPolicy{})
	want := map[int]time.Duration{
		0:  10 * time.Second,
		1:  10 * time.Second,
		2:  20 * time.Second,
		9:  90 * time.Second,
		10: 60 * time.Minute,
		11: 60 * time.Minute,
		50: 60 * time.Minute,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffCustomPolicy(t *testing.T) {
	b := newBackoff(omi.ReconnectPolicy{Unit: time.Millisecond, MaxAttempts: 3, Cooldown: time.Second})
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, time.Second, b.Delay(3))
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
