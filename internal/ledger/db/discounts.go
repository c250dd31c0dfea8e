package db

import (
	"context"
	"fmt"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"
)

// ---------------- DISCOUNT CODES ----------------

func (d *DB) CreateDiscount(ctx context.Context, code *models.DiscountCode) error {
	code.Code = models.NormalizeDiscountCode(code.Code)
	_, err := d.conn().NewInsert().Model(code).Exec(ctx)
	return err
}

func (d *DB) GetDiscount(ctx context.Context, clubID, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := d.conn().NewSelect().
		Model(&dc).
		Where("club_id = ?", clubID).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "discount code", code)
	}
	return &dc, nil
}

// RedeemDiscount consumes one use in a single conditional statement, so concurrent
// redemptions can never push usage_count past usage_limit.
func (d *DB) RedeemDiscount(ctx context.Context, clubID, code string) (*models.DiscountCode, error) {
	res, err := d.conn().NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("usage_count = usage_count + 1").
		Set("is_redeemed = (usage_count + 1 >= usage_limit)").
		Where("club_id = ?", clubID).
		Where("code = ?", code).
		Where("active = ?", true).
		Where("usage_count < usage_limit").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("redeem discount %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, getErr := d.GetDiscount(ctx, clubID, code)
	if getErr != nil {
		return nil, getErr
	}
	if n == 0 {
		return current, fmt.Errorf("discount %s (%d/%d): %w", code, current.UsageCount, current.UsageLimit, apperr.ErrDiscountExhausted)
	}
	return current, nil
}
