package ledger

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard orders resync against transitions. A transition holds its items
// shared from its first ledger call until its order write lands; a resync
// holds its item exclusively, so it never sums orders while a transition on
// that item is halfway through.
type Guard interface {
	Share(ctx context.Context, itemIDs []string) (release func(), err error)
	Exclusive(ctx context.Context, itemID string) (release func(), err error)
}

// exclusiveWeight is what an exclusive holder takes. Shared holders take 1.
const exclusiveWeight = 1 << 30

// LocalGuard is a Guard for a single process.
type LocalGuard struct {
	mu    sync.Mutex
	items map[string]*itemSem
}

type itemSem struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{items: make(map[string]*itemSem)}
}

// Share takes every item in sorted order. A waiting exclusive holder queues
// ahead of later shared holders, so resync is not starved.
func (g *LocalGuard) Share(ctx context.Context, itemIDs []string) (func(), error) {
	ids := sortedUnique(itemIDs)
	held := make([]func(), 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, id := range ids {
		r, err := g.acquire(ctx, id, 1)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, r)
	}
	return release, nil
}

func (g *LocalGuard) Exclusive(ctx context.Context, itemID string) (func(), error) {
	return g.acquire(ctx, itemID, exclusiveWeight)
}

func (g *LocalGuard) acquire(ctx context.Context, id string, weight int64) (func(), error) {
	g.mu.Lock()
	s, ok := g.items[id]
	if !ok {
		s = &itemSem{sem: semaphore.NewWeighted(exclusiveWeight)}
		g.items[id] = s
	}
	s.refs++
	g.mu.Unlock()

	if err := s.sem.Acquire(ctx, weight); err != nil {
		g.drop(id, s)
		return nil, err
	}
	return func() {
		s.sem.Release(weight)
		g.drop(id, s)
	}, nil
}

func (g *LocalGuard) drop(id string, s *itemSem) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.items, id)
	}
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
