// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"math"
	"sync"
	"time"
)

// throttle is a token bucket shared by every call the client makes. The
// provider rate-limits per session, so there is one bucket per client.
type throttle struct {
	mu              sync.Mutex
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
	now             func() time.Time
}

func newThrottle(limitPerMinute int) *throttle {
	if limitPerMinute <= 0 {
		return nil
	}
	capacity := float64(limitPerMinute)
	return &throttle{
		capacity:        capacity,
		tokens:          capacity,
		refillPerSecond: capacity / 60.0,
		now:             time.Now,
	}
}

// reserve takes a token if one is available and otherwise returns how long
// to wait before asking again.
func (t *throttle) reserve() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.lastRefill.IsZero() {
		t.lastRefill = now
	}

	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSecond
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.lastRefill = now
	}

	if t.tokens >= 1 {
		t.tokens--
		return 0
	}

	missing := 1 - t.tokens
	wait := time.Duration(math.Ceil(missing / t.refillPerSecond * float64(time.Second)))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (t *throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	for {
		wait := t.reserve()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
