package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errInvalidBucket = errors.New("ratelimit: capacity and refill interval must be positive")

// Sleeper blocks for the given duration or until the context is done.
// Injectable so pacing is testable without wall-clock sleeps.
type Sleeper func(ctx context.Context, d time.Duration) error

// BucketConfig configures a token bucket.
type BucketConfig struct {
	Capacity    int
	RefillEvery time.Duration
	Clock       func() time.Time
	Sleep       Sleeper
}

// Bucket is a token bucket: one token is consumed per Wait, and tokens
// refill at one per RefillEvery up to Capacity.
type Bucket struct {
	capacity    float64
	refillEvery time.Duration
	clock       func() time.Time
	sleep       Sleeper

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewBucket validates configuration and returns a full bucket.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Capacity <= 0 || cfg.RefillEvery <= 0 {
		return nil, errInvalidBucket
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = timerSleep
	}
	return &Bucket{
		capacity:    float64(cfg.Capacity),
		refillEvery: cfg.RefillEvery,
		clock:       clock,
		sleep:       sleep,
		tokens:      float64(cfg.Capacity),
		last:        clock(),
	}, nil
}

// Wait blocks until a token is available or the context is cancelled.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill(b.clock())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		wait := time.Duration(deficit * float64(b.refillEvery))
		b.mu.Unlock()

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / float64(b.refillEvery)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
