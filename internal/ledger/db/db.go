package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// DB is the relational ledger for bookings, memberships, discount codes and courses.
// A DB returned inside RunInTx routes every query through the transaction.
type DB struct {
	Bun *bun.DB
	tx  *bun.Tx
	now func() time.Time
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB, now: time.Now}
}

// WithClock returns a copy of d that stamps rows using now.
func (d *DB) WithClock(now func() time.Time) *DB {
	return &DB{Bun: d.Bun, tx: d.tx, now: now}
}

func (d *DB) conn() bun.IDB {
	if d.tx != nil {
		return *d.tx
	}
	return d.Bun
}

func (d *DB) clock() time.Time {
	if d.now == nil {
		return time.Now().UTC()
	}
	return d.now().UTC()
}

// RunInTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *DB) error) error {
	if d.tx != nil {
		return fn(ctx, d)
	}
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &DB{Bun: d.Bun, tx: &tx, now: d.now})
	})
}

// lockKey takes a transaction scoped advisory lock on key. SQLite already serializes
// writers, so only PostgreSQL takes it.
func (d *DB) lockKey(ctx context.Context, key string) error {
	if d.Bun.Dialect().Name() != dialect.PG {
		return nil
	}
	_, err := d.conn().ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", key)
	return err
}

// Models lists every table owned by the ledger, in creation order.
func Models() []interface{} {
	return []interface{}{
		(*models.Booking)(nil),
		(*models.ClubMembership)(nil),
		(*models.DiscountCode)(nil),
		(*models.ProcessedEvent)(nil),
		(*models.TrainerPayout)(nil),
		(*models.CourseSession)(nil),
		(*models.CourseParticipant)(nil),
	}
}

// CreateSchema creates missing tables from the models. Production uses the SQL migrations;
// this is for tests and local sqlite runs.
func (d *DB) CreateSchema(ctx context.Context) error {
	for _, m := range Models() {
		if _, err := d.Bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
	}
	return err
}
