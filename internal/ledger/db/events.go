package db

import (
	"context"
	"fmt"

	"ms-booking/internal/models"
)

// ---------------- IDEMPOTENCY ----------------

// ClaimEvent records key as processed. It returns false when the key was already claimed.
func (d *DB) ClaimEvent(ctx context.Context, key, kind string) (bool, error) {
	ev := &models.ProcessedEvent{EventKey: key, Kind: kind, ProcessedAt: d.clock()}
	res, err := d.conn().NewInsert().
		Model(ev).
		On("CONFLICT (event_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseEvent forgets a claim so a later redelivery can apply the event again.
func (d *DB) ReleaseEvent(ctx context.Context, key string) error {
	_, err := d.conn().NewDelete().
		Model((*models.ProcessedEvent)(nil)).
		Where("event_key = ?", key).
		Exec(ctx)
	return err
}

// ---------------- TRAINER PAYOUTS ----------------

func (d *DB) CreatePayout(ctx context.Context, p *models.TrainerPayout) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = d.clock()
	}
	_, err := d.conn().NewInsert().
		Model(p).
		On("CONFLICT (booking_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (d *DB) GetPayoutByBooking(ctx context.Context, bookingID string) (*models.TrainerPayout, error) {
	var p models.TrainerPayout
	err := d.conn().NewSelect().
		Model(&p).
		Where("booking_id = ?", bookingID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "payout for booking", bookingID)
	}
	return &p, nil
}

func (d *DB) DeletePayoutByBooking(ctx context.Context, bookingID string) error {
	_, err := d.conn().NewDelete().
		Model((*models.TrainerPayout)(nil)).
		Where("booking_id = ?", bookingID).
		Exec(ctx)
	return err
}
