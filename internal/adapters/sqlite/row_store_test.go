package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/adapters/sqlite/gormsqlite"
	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
	"github.com/Lakakaku/brf-sub003/migrations"
)

func openTestDB(t *testing.T) *gormsqlite.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := gormsqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	writeDB, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("writer sql db: %v", err)
	}
	if err := migrations.Up(context.Background(), writeDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func memberRow(id, tenant, name string) domain.Row {
	now := time.Now().UTC()
	return domain.Row{
		"id":         id,
		"tenant_id":  tenant,
		"first_name": name,
		"created_at": now,
		"updated_at": now,
	}
}

func TestRowStoreInsertAndSelect(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	created, err := store.Insert(ctx, "members", memberRow("m1", "brf-a", "Anna"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created["id"] != "m1" {
		t.Fatalf("created = %v", created)
	}

	if _, err := store.Insert(ctx, "members", memberRow("m2", "brf-b", "Bjorn")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.Select(ctx, "members", domain.Filter{domain.Eq("tenant_id", "brf-a")}, domain.ReadOptions{Limit: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["first_name"] != "Anna" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestRowStoreUpdateScopedByFilter(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	for _, row := range []domain.Row{
		memberRow("m1", "brf-a", "Anna"),
		memberRow("m2", "brf-b", "Bjorn"),
	} {
		if _, err := store.Insert(ctx, "members", row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	affected, err := store.Update(ctx, "members",
		domain.Row{"first_name": "Astrid"},
		domain.Filter{domain.Eq("tenant_id", "brf-a")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d", affected)
	}

	other, err := store.Select(ctx, "members", domain.Filter{domain.Eq("id", "m2")}, domain.ReadOptions{Limit: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if other[0]["first_name"] != "Bjorn" {
		t.Fatal("update crossed the filter boundary")
	}
}

func TestRowStoreUpdateWithoutFilterRejected(t *testing.T) {
	store := NewRowStore(openTestDB(t))

	if _, err := store.Update(context.Background(), "members", domain.Row{"first_name": "X"}, nil); err == nil {
		t.Fatal("expected missing where clause error")
	}
}

func TestRowStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	for _, row := range []domain.Row{
		memberRow("m1", "brf-a", "Anna"),
		memberRow("m2", "brf-a", "Astrid"),
		memberRow("m3", "brf-b", "Bjorn"),
	} {
		if _, err := store.Insert(ctx, "members", row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	affected, err := store.Delete(ctx, "members", domain.Filter{domain.Eq("tenant_id", "brf-a")})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if affected != 2 {
		t.Fatalf("affected = %d", affected)
	}

	rest, err := store.Select(ctx, "members", nil, domain.ReadOptions{Limit: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rest) != 1 || rest[0]["id"] != "m3" {
		t.Fatalf("rest = %v", rest)
	}
}

func TestRowStoreNullFilter(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	active := memberRow("o1", "brf-a", "")
	delete(active, "first_name")
	deleted := memberRow("o2", "brf-a", "")
	delete(deleted, "first_name")
	deleted["deleted_at"] = time.Now().UTC()
	for _, row := range []domain.Row{active, deleted} {
		if _, err := store.Insert(ctx, "ownership_records", row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rows, err := store.Select(ctx, "ownership_records",
		domain.Filter{{Column: "deleted_at", Op: "null"}}, domain.ReadOptions{Limit: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "o1" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestRowStoreRawQueryAndExec(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	if _, err := store.Insert(ctx, "members", memberRow("m1", "brf-a", "Anna")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.Query(ctx, "select id from members where tenant_id = ?", []any{"brf-a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "m1" {
		t.Fatalf("rows = %v", rows)
	}

	affected, err := store.Exec(ctx, "delete from members where tenant_id = ?", []any{"brf-a"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d", affected)
	}
}

func TestRowStoreWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewRowStore(openTestDB(t))

	sentinel := errors.New("unwind")
	err := store.WithinTx(ctx, func(tx ports.RowStore) error {
		if _, err := tx.Insert(ctx, "members", memberRow("tmp", "brf-a", "Ghost")); err != nil {
			return err
		}
		// The transaction must see its own uncommitted write.
		rows, err := tx.Select(ctx, "members", domain.Filter{domain.Eq("id", "tmp")}, domain.ReadOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			t.Fatal("uncommitted row invisible inside transaction")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	rows, err := store.Select(ctx, "members", nil, domain.ReadOptions{Limit: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rolled back row persisted: %v", rows)
	}
}
