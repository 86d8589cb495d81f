package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOrderLocks(t *testing.T) {
	t.Parallel()
	locks := newOrderLocks()

	unlock, err := locks.acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(ctx, "order-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	other, err := locks.acquire(context.Background(), "order-2")
	if err != nil {
		t.Fatalf("expected other order to be free, got %v", err)
	}
	other()
	unlock()

	again, err := locks.acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("expected lock to be free after unlock, got %v", err)
	}
	again()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Fatalf("expected no lock entries left, got %d", len(locks.locks))
	}
}
