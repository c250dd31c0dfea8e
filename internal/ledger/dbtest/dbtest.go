// Package dbtest opens throwaway in-memory ledgers for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"ms-booking/internal/ledger/db"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// New returns a ledger backed by a private in-memory SQLite database with the schema created.
func New(t testing.TB) *db.DB {
	t.Helper()
	ledger, _ := NewWithBun(t)
	return ledger
}

// NewWithBun also returns the bun handle for assertions that bypass the repository.
func NewWithBun(t testing.TB) (*db.DB, *bun.DB) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	// One connection keeps every query on the same in-memory database
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	ledger := db.New(bunDB)
	if err := ledger.CreateSchema(context.Background()); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return ledger, bunDB
}
