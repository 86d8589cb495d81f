package migrations_test

import (
	"context"
	"testing"

	"github.com/cimillas/stockroom/internal/testutil"
	"github.com/cimillas/stockroom/migrations"
)

func TestNames_Sorted(t *testing.T) {
	names, err := migrations.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected at least 2 migrations, got %v", names)
	}
	if names[0] != "0001_items.sql" {
		t.Fatalf("expected items migration first, got %s", names[0])
	}
}

func TestApply_RecordsMigrations(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS order_lines, orders, items, schema_migrations`); err != nil {
		t.Fatalf("drop tables: %v", err)
	}

	applied, err := migrations.Apply(ctx, pool, nil)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	names, _ := migrations.Names()
	if len(applied) != len(names) {
		t.Fatalf("expected %d migrations applied, got %v", len(names), applied)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(names) {
		t.Fatalf("expected %d recorded migrations, got %d", len(names), count)
	}

	again, err := migrations.Apply(ctx, pool, nil)
	if err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing applied on second run, got %v", again)
	}
}
