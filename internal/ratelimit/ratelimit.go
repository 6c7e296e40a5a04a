// Package ratelimit implements the SLOW_FETCH_SLEEP inter-request pacing of
// spec section 6 as a Redis-backed token bucket, so the pacing holds across
// every concurrent queue worker and the minute tick, not just within one
// process.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter paces calls to a single upstream (keyed by name, e.g. "cirrus",
// "commitfest", "archive") to no more than one per interval, shared across
// processes via a Redis key's TTL acting as the bucket's cooldown.
type Limiter struct {
	client   *redis.Client
	interval time.Duration
}

// New creates a Limiter backed by client, pacing every Wait call to
// interval (SLOW_FETCH_SLEEP).
func New(client *redis.Client, interval time.Duration) *Limiter {
	return &Limiter{client: client, interval: interval}
}

// Wait blocks until it is this caller's turn to make a request against
// upstream, by repeatedly attempting to set a short-lived lock key and
// backing off until it succeeds.
func (l *Limiter) Wait(ctx context.Context, upstream string) error {
	if l.interval <= 0 {
		return nil
	}

	key := "cfbot:ratelimit:" + upstream
	for {
		ok, err := l.client.SetNX(ctx, key, "1", l.interval).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval / 4):
		}
	}
}
