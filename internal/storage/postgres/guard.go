package postgres

import (
	"context"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/stockroom/internal/domain"
)

// guardKeySpace is the first key of the two-key advisory locks taken on
// items. Migrations lock on a single bigint key, which Postgres keeps apart.
const guardKeySpace int32 = 0x5354

const guardUnlockTimeout = 5 * time.Second

// AdvisoryGuard orders resync against transitions across every process on
// the same database. A holder pins one connection while it holds its locks,
// so the pool should not be the one queries run on.
type AdvisoryGuard struct {
	pool *pgxpool.Pool
}

func NewAdvisoryGuard(pool *pgxpool.Pool) *AdvisoryGuard {
	return &AdvisoryGuard{pool: pool}
}

func (g *AdvisoryGuard) Share(ctx context.Context, itemIDs []string) (func(), error) {
	ids := slices.Clone(itemIDs)
	slices.Sort(ids)
	return g.lock(ctx, `SELECT pg_advisory_lock_shared($1, hashtext($2))`, slices.Compact(ids))
}

func (g *AdvisoryGuard) Exclusive(ctx context.Context, itemID string) (func(), error) {
	return g.lock(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, []string{itemID})
}

func (g *AdvisoryGuard) lock(ctx context.Context, stmt string, ids []string) (func(), error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Upstream("acquire guard connection", err)
	}
	for _, id := range ids {
		if _, err := conn.Exec(ctx, stmt, guardKeySpace, id); err != nil {
			// Locks taken so far die with the session.
			discard(conn)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.Upstream("take item guard", err)
		}
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), guardUnlockTimeout)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock_all()`); err != nil {
			discard(conn)
			return
		}
		conn.Release()
	}, nil
}

func discard(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), guardUnlockTimeout)
	defer cancel()
	_ = conn.Hijack().Close(ctx)
}
