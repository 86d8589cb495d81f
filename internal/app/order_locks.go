package app

import (
	"context"
	"sync"
)

// orderLocks serializes transitions on the same order within this process.
// Across processes the order version check still rejects the loser.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	sem  chan struct{}
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// acquire blocks until the order is free or ctx is done.
func (l *orderLocks) acquire(ctx context.Context, orderID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[orderID]
	if !ok {
		lk = &orderLock{sem: make(chan struct{}, 1)}
		l.locks[orderID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
		return func() {
			<-lk.sem
			l.drop(orderID, lk)
		}, nil
	case <-ctx.Done():
		l.drop(orderID, lk)
		return nil, ctx.Err()
	}
}

func (l *orderLocks) drop(orderID string, lk *orderLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, orderID)
	}
}
