// Package discount validates and redeems club discount codes.
package discount

import (
	"context"
	"errors"
	"fmt"

	"ms-booking/internal/apperr"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"
)

type Store interface {
	GetDiscount(ctx context.Context, clubID, code string) (*models.DiscountCode, error)
	RedeemDiscount(ctx context.Context, clubID, code string) (*models.DiscountCode, error)
}

type Service struct {
	store Store
	log   *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Service{store: store, log: log}
}

// Quote is the checkout preview of a code applied to a price.
type Quote struct {
	Code            string `json:"code"`
	PercentOff      int    `json:"percent_off"`
	Remaining       int    `json:"remaining"`
	PriceCents      int64  `json:"price_cents"`
	DiscountedCents int64  `json:"discounted_cents"`
}

// Normalize trims and upper-cases a user supplied code.
func Normalize(code string) string {
	return models.NormalizeDiscountCode(code)
}

// Validate previews a code without consuming it. The counter may still run out before the
// payment completes; Redeem is the authoritative check.
func (s *Service) Validate(ctx context.Context, clubID, code string, priceCents int64) (*Quote, error) {
	code = Normalize(code)
	if code == "" {
		return nil, apperr.Validation("discount_code", "missing")
	}
	if priceCents < 0 {
		return nil, apperr.Validation("price_cents", "negative")
	}

	dc, err := s.store.GetDiscount(ctx, clubID, code)
	if err != nil {
		return nil, err
	}
	if !dc.Active {
		return nil, fmt.Errorf("discount %s inactive: %w", code, apperr.ErrDiscountExhausted)
	}
	if dc.Remaining() == 0 {
		return nil, fmt.Errorf("discount %s (%d/%d): %w", code, dc.UsageCount, dc.UsageLimit, apperr.ErrDiscountExhausted)
	}

	return &Quote{
		Code:            dc.Code,
		PercentOff:      dc.PercentOff,
		Remaining:       dc.Remaining(),
		PriceCents:      priceCents,
		DiscountedCents: dc.Apply(priceCents),
	}, nil
}

// Redeem consumes one use of the code.
func (s *Service) Redeem(ctx context.Context, clubID, code string) (*models.DiscountCode, error) {
	code = Normalize(code)
	dc, err := s.store.RedeemDiscount(ctx, clubID, code)
	switch {
	case err == nil:
		metrics.IncDiscountRedemption("ok")
		s.log.Info("DISCOUNT", fmt.Sprintf("Code %s redeemed for club %s (%d/%d)", code, clubID, dc.UsageCount, dc.UsageLimit))
	case errors.Is(err, apperr.ErrDiscountExhausted):
		metrics.IncDiscountRedemption("exhausted")
		s.log.Warn("DISCOUNT", fmt.Sprintf("Code %s for club %s is exhausted", code, clubID))
	case errors.Is(err, apperr.ErrNotFound):
		metrics.IncDiscountRedemption("unknown")
		s.log.Warn("DISCOUNT", fmt.Sprintf("Code %s not found for club %s", code, clubID))
	default:
		metrics.IncDiscountRedemption("error")
		s.log.Error("DISCOUNT", fmt.Sprintf("Redeem %s for club %s failed: %v", code, clubID, err))
	}
	return dc, err
}
