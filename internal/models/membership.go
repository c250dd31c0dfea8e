package models

import (
	"time"

	"github.com/uptrace/bun"
)

type MembershipStatus string

const (
	MembershipNone    MembershipStatus = ""
	MembershipActive  MembershipStatus = "active"
	MembershipExpired MembershipStatus = "expired"
	MembershipPaused  MembershipStatus = "paused"
)

// ClubMembership has at most one row per (club, user) and is never deleted.
type ClubMembership struct {
	bun.BaseModel `bun:"table:club_memberships"`

	ClubID                  string           `bun:"club_id,pk" json:"club_id"`
	UserID                  string           `bun:"user_id,pk" json:"user_id"`
	PlanID                  string           `bun:"plan_id,nullzero" json:"plan_id,omitempty"`
	Status                  MembershipStatus `bun:"status,notnull" json:"status"`
	ValidUntil              time.Time        `bun:"valid_until,notnull" json:"valid_until"`
	NextPaymentAt           time.Time        `bun:"next_payment_at,nullzero" json:"next_payment_at,omitempty"`
	ExternalSubscriptionRef string           `bun:"external_subscription_ref,nullzero" json:"-"`
	CreatedAt               time.Time        `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt               time.Time        `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}
