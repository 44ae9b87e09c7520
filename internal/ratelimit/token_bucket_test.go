package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d unexpectedly rejected", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("bucket should be empty")
	}

	clk.Advance(1 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("token after 1s refill unexpectedly rejected")
	}
	if b.Allow(1) {
		t.Fatalf("only one token should have refilled")
	}
}

func TestTokenBucketClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 10)

	clk.Advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("full bucket should allow capacity tokens")
	}
	if b.Allow(1) {
		t.Fatalf("bucket refill must clamp to capacity")
	}
}

func TestTokenBucketZeroOrNegativeTokensAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0) must succeed")
	}
	if !b.Allow(-5) {
		t.Fatalf("Allow(-5) must succeed")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket must reject positive cost")
	}
}

func TestTokenBucketTimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("first token unexpectedly rejected")
	}

	clk.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("no refill should happen when time goes backwards")
	}

	clk.now = time.Unix(51, 0)
	if !b.Allow(1) {
		t.Fatalf("refill should resume from the new reference point")
	}
}
