package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"
)

// ---------------- MEMBERSHIPS ----------------

func (d *DB) GetMembership(ctx context.Context, clubID, userID string) (*models.ClubMembership, error) {
	var m models.ClubMembership
	err := d.conn().NewSelect().
		Model(&m).
		Where("club_id = ?", clubID).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "membership", clubID+"/"+userID)
	}
	return &m, nil
}

func (d *DB) GetMembershipBySubscription(ctx context.Context, subscriptionRef string) (*models.ClubMembership, error) {
	var m models.ClubMembership
	err := d.conn().NewSelect().
		Model(&m).
		Where("external_subscription_ref = ?", subscriptionRef).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "membership for subscription", subscriptionRef)
	}
	return &m, nil
}

// UpsertMembership writes the full row keyed by (club_id, user_id).
func (d *DB) UpsertMembership(ctx context.Context, m *models.ClubMembership) error {
	now := d.clock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.ValidUntil = m.ValidUntil.UTC()
	if !m.NextPaymentAt.IsZero() {
		m.NextPaymentAt = m.NextPaymentAt.UTC()
	}

	_, err := d.conn().NewInsert().
		Model(m).
		On("CONFLICT (club_id, user_id) DO UPDATE").
		Set("plan_id = EXCLUDED.plan_id").
		Set("status = EXCLUDED.status").
		Set("valid_until = EXCLUDED.valid_until").
		Set("next_payment_at = EXCLUDED.next_payment_at").
		Set("external_subscription_ref = EXCLUDED.external_subscription_ref").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert membership %s/%s: %w", m.ClubID, m.UserID, err)
	}
	return nil
}

// UpdateMembership applies fn to the (clubID, userID) row while holding that member's lock
// and writes back what fn returns, all in one transaction. fn gets nil when there is no row
// yet; returning nil leaves the row untouched.
func (d *DB) UpdateMembership(ctx context.Context, clubID, userID string, fn func(current *models.ClubMembership) (*models.ClubMembership, error)) (*models.ClubMembership, error) {
	var result *models.ClubMembership
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		if err := tx.lockKey(ctx, "membership:"+clubID+"/"+userID); err != nil {
			return err
		}
		current, err := tx.GetMembership(ctx, clubID, userID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		if err := tx.UpsertMembership(ctx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// ListLapsedMemberships returns active rows whose validity ended before now.
func (d *DB) ListLapsedMemberships(ctx context.Context, now time.Time) ([]models.ClubMembership, error) {
	var ms []models.ClubMembership
	err := d.conn().NewSelect().
		Model(&ms).
		Where("status = ?", models.MembershipActive).
		Where("valid_until < ?", now.UTC()).
		Order("valid_until ASC").
		Scan(ctx)
	return ms, err
}
