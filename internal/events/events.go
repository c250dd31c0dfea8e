// Package events announces committed ledger changes to the rest of the platform. Delivery is
// best-effort: the ledger is the source of truth and a failed publish never undoes a write.
package events

import (
	"context"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/redis"
)

const (
	BookingConfirmed      = "booking.confirmed"
	BookingPendingTrainer = "booking.pending_trainer"
	BookingCancelled      = "booking.cancelled"
	BookingExpired        = "booking.expired"
	BookingRejected       = "booking.rejected"

	MembershipActivated = "membership.activated"
	MembershipRenewed   = "membership.renewed"
	MembershipExpired   = "membership.expired"
)

type BookingEvent struct {
	Type       string                   `json:"type"`
	Booking    models.BookingStatusView `json:"booking"`
	OccurredAt time.Time                `json:"occurred_at"`
}

type MembershipEvent struct {
	Type       string    `json:"type"`
	ClubID     string    `json:"club_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	ValidUntil time.Time `json:"valid_until"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives ledger changes after they commit.
type Sink interface {
	BookingChanged(ctx context.Context, eventType string, b *models.Booking)
	MembershipChanged(ctx context.Context, eventType string, m *models.ClubMembership)
}

type kafkaPublisher interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type statusPublisher interface {
	Publish(ctx context.Context, update redis.StatusUpdate) error
}

// Publisher writes booking events to Kafka and the Redis status channel, and membership
// events to Kafka. Either transport may be nil.
type Publisher struct {
	kafka           kafkaPublisher
	status          statusPublisher
	bookingTopic    string
	membershipTopic string
	log             *logger.Logger
	now             func() time.Time
}

func NewPublisher(k kafkaPublisher, status statusPublisher, bookingTopic, membershipTopic string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Publisher{
		kafka:           k,
		status:          status,
		bookingTopic:    bookingTopic,
		membershipTopic: membershipTopic,
		log:             log,
		now:             time.Now,
	}
}

func (p *Publisher) BookingChanged(ctx context.Context, eventType string, b *models.Booking) {
	view := b.View()
	if p.kafka != nil {
		ev := BookingEvent{Type: eventType, Booking: view, OccurredAt: p.now().UTC()}
		if err := p.kafka.Publish(ctx, p.bookingTopic, b.ID, ev); err != nil {
			p.log.Warn("EVENTS", fmt.Sprintf("Failed to publish %s for booking %s: %v", eventType, b.ID, err))
		}
	}
	if p.status != nil {
		if err := p.status.Publish(ctx, redis.StatusUpdate{Type: eventType, Booking: view}); err != nil {
			p.log.Warn("EVENTS", fmt.Sprintf("Failed to broadcast status for booking %s: %v", b.ID, err))
		}
	}
}

func (p *Publisher) MembershipChanged(ctx context.Context, eventType string, m *models.ClubMembership) {
	if p.kafka == nil {
		return
	}
	ev := MembershipEvent{
		Type:       eventType,
		ClubID:     m.ClubID,
		UserID:     m.UserID,
		Status:     string(m.Status),
		ValidUntil: m.ValidUntil,
		OccurredAt: p.now().UTC(),
	}
	if err := p.kafka.Publish(ctx, p.membershipTopic, m.ClubID+":"+m.UserID, ev); err != nil {
		p.log.Warn("EVENTS", fmt.Sprintf("Failed to publish %s for %s/%s: %v", eventType, m.ClubID, m.UserID, err))
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) BookingChanged(context.Context, string, *models.Booking)           {}
func (Nop) MembershipChanged(context.Context, string, *models.ClubMembership) {}
