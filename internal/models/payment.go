package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentPaidCash   PaymentStatus = "paid_cash"
	PaymentPaidStripe PaymentStatus = "paid_stripe"
	PaymentPaidMember PaymentStatus = "paid_member"
)

// ProcessedEvent records an idempotency key once a webhook branch has been applied.
type ProcessedEvent struct {
	bun.BaseModel `bun:"table:processed_events"`

	EventKey    string    `bun:"event_key,pk"`
	Kind        string    `bun:"kind,notnull"`
	ProcessedAt time.Time `bun:"processed_at,notnull"`
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
)

// TrainerPayout is the shadow record of what a trainer is owed for a held session.
// It exists only while the session waits for the trainer's decision or after acceptance.
type TrainerPayout struct {
	bun.BaseModel `bun:"table:trainer_payouts"`

	ID          string       `bun:"id,pk"`
	BookingID   string       `bun:"booking_id,notnull,unique"`
	TrainerID   string       `bun:"trainer_id,notnull"`
	AmountCents int64        `bun:"amount_cents,notnull"`
	Status      PayoutStatus `bun:"status,notnull"`
	CreatedAt   time.Time    `bun:"created_at,notnull"`
}
