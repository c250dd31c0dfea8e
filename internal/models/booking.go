package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingAwaitingPayment BookingStatus = "awaiting_payment"
	BookingPendingTrainer  BookingStatus = "pending_trainer"
	BookingConfirmed       BookingStatus = "confirmed"
	BookingCancelled       BookingStatus = "cancelled"
)

// IsPlaceholder reports whether the row only holds a slot until payment or a trainer decision.
func (s BookingStatus) IsPlaceholder() bool {
	return s == BookingAwaitingPayment || s == BookingPendingTrainer
}

// Booking is a court slot or trainer session owned by a member or a guest.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID                     string        `bun:"id,pk" json:"id"`
	ClubID                 string        `bun:"club_id,notnull" json:"club_id"`
	CourtID                string        `bun:"court_id,nullzero" json:"court_id,omitempty"`
	TrainerID              string        `bun:"trainer_id,nullzero" json:"trainer_id,omitempty"`
	UserID                 string        `bun:"user_id,nullzero" json:"user_id,omitempty"`
	GuestName              string        `bun:"guest_name,nullzero" json:"guest_name,omitempty"`
	GuestEmail             string        `bun:"guest_email,nullzero" json:"guest_email,omitempty"`
	StartTime              time.Time     `bun:"start_time,notnull" json:"start_time"`
	EndTime                time.Time     `bun:"end_time,notnull" json:"end_time"`
	Status                 BookingStatus `bun:"status,notnull" json:"status"`
	PaymentStatus          PaymentStatus `bun:"payment_status,notnull" json:"payment_status"`
	PricePaid              int64         `bun:"price_paid,notnull,default:0" json:"price_paid"`
	DiscountCode           string        `bun:"discount_code,nullzero" json:"discount_code,omitempty"`
	ExternalChargeRef      string        `bun:"external_charge_ref,nullzero" json:"-"`
	ExternalSessionRef     string        `bun:"external_session_ref,nullzero" json:"-"`
	TrainerActionToken     string        `bun:"trainer_action_token,nullzero,unique" json:"-"`
	TrainerActionExpiresAt time.Time     `bun:"trainer_action_expires_at,nullzero" json:"trainer_action_expires_at,omitempty"`
	CreatedAt              time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt              time.Time     `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// OwnerRef is the user id for members and the guest email otherwise.
func (b *Booking) OwnerRef() string {
	if b.UserID != "" {
		return b.UserID
	}
	return b.GuestEmail
}

// IsTrainerSession reports whether confirmation depends on a trainer decision.
func (b *Booking) IsTrainerSession() bool {
	return b.TrainerID != ""
}

// NotifyEmail is where guest-facing notifications go; empty for members without a stored email.
func (b *Booking) NotifyEmail() string {
	return b.GuestEmail
}

// BookingStatusView is the read model handed to the UI.
type BookingStatusView struct {
	ID            string        `json:"id"`
	ClubID        string        `json:"club_id"`
	CourtID       string        `json:"court_id,omitempty"`
	TrainerID     string        `json:"trainer_id,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PricePaid     int64         `json:"price_paid"`
}

func (b *Booking) View() BookingStatusView {
	return BookingStatusView{
		ID:            b.ID,
		ClubID:        b.ClubID,
		CourtID:       b.CourtID,
		TrainerID:     b.TrainerID,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		PricePaid:     b.PricePaid,
	}
}
