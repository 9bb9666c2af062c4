package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeTimeline struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeTimeline) clock() time.Time {
	return f.now
}

func (f *fakeTimeline) sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newTestBucket(t *testing.T, capacity int, refill time.Duration) (*Bucket, *fakeTimeline) {
	t.Helper()
	timeline := &fakeTimeline{now: time.Unix(1700000000, 0)}
	bucket, err := NewBucket(BucketConfig{
		Capacity:    capacity,
		RefillEvery: refill,
		Clock:       timeline.clock,
		Sleep:       timeline.sleep,
	})
	if err != nil {
		t.Fatalf("unexpected bucket error: %v", err)
	}
	return bucket, timeline
}

func TestBucketGrantsUpToCapacityWithoutSleeping(t *testing.T) {
	bucket, timeline := newTestBucket(t, 3, time.Second)

	for i := 0; i < 3; i++ {
		if err := bucket.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected wait error: %v", err)
		}
	}
	if len(timeline.sleeps) != 0 {
		t.Fatalf("expected no sleeps while tokens remain, got %v", timeline.sleeps)
	}
}

func TestBucketSleepsForNextToken(t *testing.T) {
	bucket, timeline := newTestBucket(t, 1, time.Second)

	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}

	if len(timeline.sleeps) != 1 {
		t.Fatalf("expected exactly one sleep, got %v", timeline.sleeps)
	}
	if timeline.sleeps[0] != time.Second {
		t.Fatalf("expected one-second sleep, got %v", timeline.sleeps[0])
	}
}

func TestBucketRefillsWhileIdle(t *testing.T) {
	bucket, timeline := newTestBucket(t, 2, time.Second)

	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}

	timeline.now = timeline.now.Add(5 * time.Second)

	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
	if len(timeline.sleeps) != 0 {
		t.Fatalf("idle refill should avoid sleeping, got %v", timeline.sleeps)
	}
}

func TestBucketHonorsCancelledContext(t *testing.T) {
	timeline := &fakeTimeline{now: time.Unix(1700000000, 0)}
	bucket, err := NewBucket(BucketConfig{
		Capacity:    1,
		RefillEvery: time.Second,
		Clock:       timeline.clock,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("unexpected bucket error: %v", err)
	}

	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bucket.Wait(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestNewBucketRejectsInvalidConfig(t *testing.T) {
	if _, err := NewBucket(BucketConfig{Capacity: 0, RefillEvery: time.Second}); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
	if _, err := NewBucket(BucketConfig{Capacity: 1, RefillEvery: 0}); err == nil {
		t.Fatalf("expected error for zero refill interval")
	}
}
