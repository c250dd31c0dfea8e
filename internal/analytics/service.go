// Package analytics aggregates a club's bookings into revenue reports.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"
)

// MaxRange bounds one report.
const MaxRange = 366 * 24 * time.Hour

type Store interface {
	ListClubBookings(ctx context.Context, clubID string, from, to time.Time) ([]models.Booking, error)
}

// Service handles analytics operations
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ClubRevenue is the report for one club and period.
type ClubRevenue struct {
	ClubID            string                                    `json:"club_id"`
	From              time.Time                                 `json:"from"`
	To                time.Time                                 `json:"to"`
	TotalRevenueCents int64                                     `json:"total_revenue_cents"`
	ConfirmedBookings int                                       `json:"confirmed_bookings"`
	CancelledBookings int                                       `json:"cancelled_bookings"`
	ByPaymentStatus   map[models.PaymentStatus]PaymentBreakdown `json:"by_payment_status"`
	DailyRevenue      []DailyRevenue                            `json:"daily_revenue"`
	DiscountUsage     []DiscountUsage                           `json:"discount_usage"`
}

type PaymentBreakdown struct {
	Bookings     int   `json:"bookings"`
	RevenueCents int64 `json:"revenue_cents"`
}

// DailyRevenue contains metrics for a single day of play
type DailyRevenue struct {
	Date         string `json:"date"`
	Bookings     int    `json:"bookings"`
	RevenueCents int64  `json:"revenue_cents"`
}

// DiscountUsage counts confirmed bookings paid with a code
type DiscountUsage struct {
	Code     string `json:"code"`
	Bookings int    `json:"bookings"`
}

// ClubRevenue reports confirmed bookings that start in [from,to). Days are bucketed in loc.
// Placeholders are not revenue and are left out; cancellations are only counted.
func (s *Service) ClubRevenue(ctx context.Context, clubID string, from, to time.Time, loc *time.Location) (*ClubRevenue, error) {
	if !to.After(from) {
		return nil, apperr.Validation("to", "must be after from")
	}
	if to.Sub(from) > MaxRange {
		return nil, apperr.Validation("to", fmt.Sprintf("range longer than %d days", int(MaxRange.Hours()/24)))
	}
	if loc == nil {
		loc = time.UTC
	}

	bookings, err := s.store.ListClubBookings(ctx, clubID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list bookings for club %s: %w", clubID, err)
	}

	report := &ClubRevenue{
		ClubID:          clubID,
		From:            from.UTC(),
		To:              to.UTC(),
		ByPaymentStatus: make(map[models.PaymentStatus]PaymentBreakdown),
		DailyRevenue:    []DailyRevenue{},
		DiscountUsage:   []DiscountUsage{},
	}
	daily := make(map[string]*DailyRevenue)
	codes := make(map[string]int)

	for i := range bookings {
		b := &bookings[i]
		switch b.Status {
		case models.BookingCancelled:
			report.CancelledBookings++
			continue
		case models.BookingConfirmed:
		default:
			continue
		}

		report.ConfirmedBookings++
		report.TotalRevenueCents += b.PricePaid

		breakdown := report.ByPaymentStatus[b.PaymentStatus]
		breakdown.Bookings++
		breakdown.RevenueCents += b.PricePaid
		report.ByPaymentStatus[b.PaymentStatus] = breakdown

		day := b.StartTime.In(loc).Format("2006-01-02")
		d, ok := daily[day]
		if !ok {
			d = &DailyRevenue{Date: day}
			daily[day] = d
		}
		d.Bookings++
		d.RevenueCents += b.PricePaid

		if b.DiscountCode != "" {
			codes[b.DiscountCode]++
		}
	}

	for _, d := range daily {
		report.DailyRevenue = append(report.DailyRevenue, *d)
	}
	sort.Slice(report.DailyRevenue, func(i, j int) bool { return report.DailyRevenue[i].Date < report.DailyRevenue[j].Date })

	for code, n := range codes {
		report.DiscountUsage = append(report.DiscountUsage, DiscountUsage{Code: code, Bookings: n})
	}
	sort.Slice(report.DiscountUsage, func(i, j int) bool {
		if report.DiscountUsage[i].Bookings != report.DiscountUsage[j].Bookings {
			return report.DiscountUsage[i].Bookings > report.DiscountUsage[j].Bookings
		}
		return report.DiscountUsage[i].Code < report.DiscountUsage[j].Code
	})

	return report, nil
}
