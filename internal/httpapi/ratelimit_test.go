package httpapi

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	// Refill rate near zero so the burst is all we get.
	rl := NewRateLimiter(0.0001, 2)

	if !rl.Allow(1) {
		t.Error("request 1: expected allow (within burst)")
	}
	if !rl.Allow(1) {
		t.Error("request 2: expected allow (within burst)")
	}
	if rl.Allow(1) {
		t.Error("request 3: expected deny (burst exhausted)")
	}
}

func TestRateLimiter_PerUserBuckets(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1)

	if !rl.Allow(1) {
		t.Error("user 1: expected allow")
	}
	if rl.Allow(1) {
		t.Error("user 1: expected deny after burst")
	}
	// Exhausting user 1 must not touch user 2's bucket.
	if !rl.Allow(2) {
		t.Error("user 2: expected allow")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(1000, 1)

	if !rl.Allow(7) {
		t.Fatal("expected initial allow")
	}
	// At 1000/s a token is back within a millisecond.
	time.Sleep(5 * time.Millisecond)
	if !rl.Allow(7) {
		t.Error("expected a token to refill at 1000/s")
	}
}
