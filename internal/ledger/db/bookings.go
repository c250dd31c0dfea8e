package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// exclusionViolation is the SQLSTATE of bookings_no_confirmed_overlap firing on PostgreSQL.
const exclusionViolation = "23P01"

// ---------------- BOOKINGS ----------------

// lockCourt serializes writers for one court until the transaction ends.
func (d *DB) lockCourt(ctx context.Context, courtID string) error {
	if courtID == "" {
		return nil
	}
	return d.lockKey(ctx, "court:"+courtID)
}

// HasConfirmedOverlap reports whether a confirmed booking on the court intersects [start,end).
func (d *DB) HasConfirmedOverlap(ctx context.Context, courtID string, start, end time.Time, excludeID string) (bool, error) {
	if courtID == "" {
		return false, nil
	}
	q := d.conn().NewSelect().
		Model((*models.Booking)(nil)).
		Where("court_id = ?", courtID).
		Where("status = ?", models.BookingConfirmed).
		Where("start_time < ?", end.UTC()).
		Where("end_time > ?", start.UTC())
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	return q.Exists(ctx)
}

func (d *DB) insertGuarded(ctx context.Context, b *models.Booking) error {
	return d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		if err := tx.lockCourt(ctx, b.CourtID); err != nil {
			return err
		}
		overlap, err := tx.HasConfirmedOverlap(ctx, b.CourtID, b.StartTime, b.EndTime, "")
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("court %s %s-%s: %w", b.CourtID, b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339), apperr.ErrOverlap)
		}
		_, err = tx.conn().NewInsert().Model(b).Exec(ctx)
		return overlapError(err)
	})
}

// overlapError turns the store's own overlap constraint into ErrOverlap.
func overlapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == exclusionViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, apperr.ErrOverlap)
	}
	return err
}

func (d *DB) normalize(b *models.Booking) {
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = d.clock()
	}
	if !b.TrainerActionExpiresAt.IsZero() {
		b.TrainerActionExpiresAt = b.TrainerActionExpiresAt.UTC()
	}
}

// CreateConfirmedBooking inserts an already-confirmed booking (cash, member or legacy guest path).
func (d *DB) CreateConfirmedBooking(ctx context.Context, b *models.Booking) error {
	d.normalize(b)
	b.Status = models.BookingConfirmed
	return d.insertGuarded(ctx, b)
}

// CreatePlaceholder inserts an awaiting_payment or pending_trainer row holding the slot.
func (d *DB) CreatePlaceholder(ctx context.Context, b *models.Booking) error {
	if !b.Status.IsPlaceholder() {
		return fmt.Errorf("placeholder with status %q: %w", b.Status, apperr.ErrInvalidInput)
	}
	d.normalize(b)
	return d.insertGuarded(ctx, b)
}

func (d *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := d.conn().NewSelect().
		Model(&b).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "booking", id)
	}
	return &b, nil
}

func (d *DB) GetBookingByActionToken(ctx context.Context, token string) (*models.Booking, error) {
	if token == "" {
		return nil, fmt.Errorf("empty decision token: %w", apperr.ErrNotFound)
	}
	var b models.Booking
	err := d.conn().NewSelect().
		Model(&b).
		Where("trainer_action_token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "booking with token", "****")
	}
	return &b, nil
}

func (d *DB) GetBookingBySession(ctx context.Context, sessionRef string) (*models.Booking, error) {
	var b models.Booking
	err := d.conn().NewSelect().
		Model(&b).
		Where("external_session_ref = ?", sessionRef).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "booking for session", sessionRef)
	}
	return &b, nil
}

func (d *DB) ListBookingsForOwner(ctx context.Context, clubID, userID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := d.conn().NewSelect().
		Model(&bookings).
		Where("club_id = ?", clubID).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Scan(ctx)
	return bookings, err
}

// ConfirmBooking advances a placeholder to confirmed. Another confirmed booking covering the
// same court slot blocks the transition.
func (d *DB) ConfirmBooking(ctx context.Context, id string, paymentStatus models.PaymentStatus, chargeRef string) (*models.Booking, error) {
	var confirmed *models.Booking
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if !b.Status.IsPlaceholder() {
			return fmt.Errorf("booking %s is %s: %w", id, b.Status, apperr.ErrStateConflict)
		}
		if err := tx.lockCourt(ctx, b.CourtID); err != nil {
			return err
		}
		overlap, err := tx.HasConfirmedOverlap(ctx, b.CourtID, b.StartTime, b.EndTime, b.ID)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("booking %s on court %s: %w", id, b.CourtID, apperr.ErrOverlap)
		}

		q := tx.conn().NewUpdate().
			Model((*models.Booking)(nil)).
			Set("status = ?", models.BookingConfirmed).
			Set("payment_status = ?", paymentStatus).
			Set("updated_at = ?", tx.clock()).
			Where("id = ?", id).
			Where("status = ?", b.Status)
		if chargeRef != "" {
			q = q.Set("external_charge_ref = ?", chargeRef)
		}
		res, err := q.Exec(ctx)
		if err := expectOneRow(res, overlapError(err)); err != nil {
			return fmt.Errorf("confirm booking %s: %w", id, err)
		}

		b.Status = models.BookingConfirmed
		b.PaymentStatus = paymentStatus
		if chargeRef != "" {
			b.ExternalChargeRef = chargeRef
		}
		confirmed = b
		return nil
	})
	return confirmed, err
}

// MarkTrainerPending stores the authorization hold and the decision token on a trainer session.
func (d *DB) MarkTrainerPending(ctx context.Context, id, chargeRef, token string, expiresAt time.Time) error {
	res, err := d.conn().NewUpdate().
		Model((*models.Booking)(nil)).
		Set("external_charge_ref = ?", chargeRef).
		Set("trainer_action_token = ?", token).
		Set("trainer_action_expires_at = ?", expiresAt.UTC()).
		Set("updated_at = ?", d.clock()).
		Where("id = ?", id).
		Where("status = ?", models.BookingPendingTrainer).
		Exec(ctx)
	if err := expectOneRow(res, err); err != nil {
		return fmt.Errorf("mark trainer pending %s: %w", id, err)
	}
	return nil
}

// ResolveTrainerBooking records the trainer decision. It only succeeds while the booking is
// still pending_trainer, so a second decision for the same booking is a conflict. The token
// stays on the row so a replayed link finds the booking and hits that conflict. Confirming
// takes the court lock and re-checks overlap like ConfirmBooking.
func (d *DB) ResolveTrainerBooking(ctx context.Context, id string, to models.BookingStatus, paymentStatus models.PaymentStatus) error {
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		if to == models.BookingConfirmed {
			b, err := tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.lockCourt(ctx, b.CourtID); err != nil {
				return err
			}
			overlap, err := tx.HasConfirmedOverlap(ctx, b.CourtID, b.StartTime, b.EndTime, b.ID)
			if err != nil {
				return err
			}
			if overlap {
				return fmt.Errorf("court %s: %w", b.CourtID, apperr.ErrOverlap)
			}
		}

		res, err := tx.conn().NewUpdate().
			Model((*models.Booking)(nil)).
			Set("status = ?", to).
			Set("payment_status = ?", paymentStatus).
			Set("updated_at = ?", tx.clock()).
			Where("id = ?", id).
			Where("status = ?", models.BookingPendingTrainer).
			Exec(ctx)
		return expectOneRow(res, overlapError(err))
	})
	if err != nil {
		return fmt.Errorf("resolve trainer booking %s: %w", id, err)
	}
	return nil
}

// DeletePlaceholder removes an unconfirmed booking. Missing rows are not an error.
func (d *DB) DeletePlaceholder(ctx context.Context, id string) (bool, error) {
	res, err := d.conn().NewDelete().
		Model((*models.Booking)(nil)).
		Where("id = ?", id).
		Where("status IN (?)", bun.In([]models.BookingStatus{models.BookingAwaitingPayment, models.BookingPendingTrainer})).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelConfirmedBooking is the UI cancellation path. Only confirmed bookings can be cancelled.
func (d *DB) CancelConfirmedBooking(ctx context.Context, clubID, id string) (*models.Booking, error) {
	var cancelled *models.Booking
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if b.ClubID != clubID {
			return fmt.Errorf("booking %s: %w", id, apperr.ErrNotFound)
		}
		res, err := tx.conn().NewUpdate().
			Model((*models.Booking)(nil)).
			Set("status = ?", models.BookingCancelled).
			Set("updated_at = ?", tx.clock()).
			Where("id = ?", id).
			Where("status = ?", models.BookingConfirmed).
			Exec(ctx)
		if err := expectOneRow(res, err); err != nil {
			return fmt.Errorf("booking %s is %s: %w", id, b.Status, err)
		}
		b.Status = models.BookingCancelled
		cancelled = b
		return nil
	})
	return cancelled, err
}

// ListStalePlaceholders returns awaiting_payment rows created before the cutoff.
func (d *DB) ListStalePlaceholders(ctx context.Context, createdBefore time.Time) ([]models.Booking, error) {
	var bookings []models.Booking
	err := d.conn().NewSelect().
		Model(&bookings).
		Where("status = ?", models.BookingAwaitingPayment).
		Where("created_at < ?", createdBefore.UTC()).
		Order("created_at ASC").
		Scan(ctx)
	return bookings, err
}

// ListExpiredTrainerHolds returns pending_trainer rows whose decision window has closed.
func (d *DB) ListExpiredTrainerHolds(ctx context.Context, now time.Time) ([]models.Booking, error) {
	var bookings []models.Booking
	err := d.conn().NewSelect().
		Model(&bookings).
		Where("status = ?", models.BookingPendingTrainer).
		Where("trainer_action_expires_at IS NOT NULL").
		Where("trainer_action_expires_at < ?", now.UTC()).
		Order("trainer_action_expires_at ASC").
		Scan(ctx)
	return bookings, err
}

// ListClubBookings returns the club's bookings starting in [from,to), oldest first.
func (d *DB) ListClubBookings(ctx context.Context, clubID string, from, to time.Time) ([]models.Booking, error) {
	var bookings []models.Booking
	err := d.conn().NewSelect().
		Model(&bookings).
		Where("club_id = ?", clubID).
		Where("start_time >= ?", from.UTC()).
		Where("start_time < ?", to.UTC()).
		Order("start_time ASC").
		Scan(ctx)
	return bookings, err
}

func expectOneRow(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}
