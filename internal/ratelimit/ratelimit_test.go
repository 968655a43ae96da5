package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/edgebot/edgebot/internal/ratelimit"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	l := ratelimit.New(ratelimit.ModeEvents, 5, 1)

	if !l.TryAcquire(5) {
		t.Fatal("expected initial burst of 5 to be available")
	}
	if l.TryAcquire(1) {
		t.Fatal("expected bucket to be empty immediately after burst")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l := ratelimit.New(ratelimit.ModeEvents, 1, 100) // fast refill for the test

	if !l.TryAcquire(1) {
		t.Fatal("expected initial token available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}
