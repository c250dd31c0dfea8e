// Package trainer turns a trainer's emailed accept/reject click into a capture or void of the
// authorization hold and the matching booking transition.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/events"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"

	"github.com/google/uuid"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionReject:
		return a, nil
	}
	return "", apperr.Validation("action", fmt.Sprintf("expected accept or reject, got %q", s))
}

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingByActionToken(ctx context.Context, token string) (*models.Booking, error)
	HasConfirmedOverlap(ctx context.Context, courtID string, start, end time.Time, excludeID string) (bool, error)
	ResolveTrainerBooking(ctx context.Context, id string, to models.BookingStatus, paymentStatus models.PaymentStatus) error
	DeletePayoutByBooking(ctx context.Context, bookingID string) error
}

// Holds captures or releases authorization holds at the payment authority.
type Holds interface {
	CaptureHold(ctx context.Context, paymentIntentID string) error
	VoidHold(ctx context.Context, paymentIntentID string) error
}

// Locker serializes decisions on one booking across instances.
type Locker interface {
	Acquire(ctx context.Context, bookingID, owner string) (bool, error)
	Release(ctx context.Context, bookingID, owner string) error
}

type Notifier interface {
	BookingConfirmed(ctx context.Context, b *models.Booking) error
	BookingRejected(ctx context.Context, b *models.Booking) error
}

type Gateway struct {
	store    Store
	holds    Holds
	locker   Locker
	notifier Notifier
	events   events.Sink
	log      *logger.Logger
	now      func() time.Time
}

type Deps struct {
	Store    Store
	Holds    Holds
	Locker   Locker
	Notifier Notifier
	Events   events.Sink
	Log      *logger.Logger
}

func NewGateway(deps Deps) *Gateway {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logger.NewDiscardLogger()
	}
	return &Gateway{
		store:    deps.Store,
		holds:    deps.Holds,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		events:   deps.Events,
		log:      deps.Log,
		now:      time.Now,
	}
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Decide applies the trainer's answer. Guards run in order: unknown token is ErrNotFound, a
// closed decision window is ErrGone and a booking that is no longer pending is
// ErrStateConflict. The hold is captured or voided before anything is written, so a failed
// payment call leaves the booking exactly as it was.
func (g *Gateway) Decide(ctx context.Context, token string, action Action) (*models.Booking, error) {
	b, err := g.decide(ctx, token, action)
	metrics.IncTrainerDecision(string(action), result(err))
	return b, err
}

func (g *Gateway) decide(ctx context.Context, token string, action Action) (*models.Booking, error) {
	if token == "" {
		return nil, fmt.Errorf("missing decision token: %w", apperr.ErrNotFound)
	}
	b, err := g.store.GetBookingByActionToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !b.TrainerActionExpiresAt.IsZero() && !g.now().Before(b.TrainerActionExpiresAt) {
		return nil, fmt.Errorf("decision window for %s closed at %s: %w", b.ID, b.TrainerActionExpiresAt.Format(time.RFC3339), apperr.ErrGone)
	}
	if b.Status != models.BookingPendingTrainer {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, apperr.ErrStateConflict)
	}

	var decided *models.Booking
	err = g.withLock(ctx, b.ID, func() error {
		current, err := g.pending(ctx, b.ID)
		if err != nil {
			return err
		}
		switch action {
		case ActionAccept:
			decided, err = g.accept(ctx, current)
		case ActionReject:
			decided, err = g.reject(ctx, current)
		default:
			err = apperr.Validation("action", string(action))
		}
		return err
	})
	return decided, err
}

// pending re-reads the booking under the decision lock. A decision that finished while this
// one waited leaves it in a final state.
func (g *Gateway) pending(ctx context.Context, id string) (*models.Booking, error) {
	b, err := g.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingPendingTrainer {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, apperr.ErrStateConflict)
	}
	return b, nil
}

// withLock runs fn while holding the booking's decision lock. A lock held elsewhere means
// another decision is in flight.
func (g *Gateway) withLock(ctx context.Context, bookingID string, fn func() error) error {
	if g.locker == nil {
		return fn()
	}
	owner := uuid.NewString()
	ok, err := g.locker.Acquire(ctx, bookingID, owner)
	if err != nil {
		return fmt.Errorf("decision lock for %s: %w", bookingID, err)
	}
	if !ok {
		return fmt.Errorf("decision for %s already in progress: %w", bookingID, apperr.ErrStateConflict)
	}
	defer func() {
		if err := g.locker.Release(context.WithoutCancel(ctx), bookingID, owner); err != nil {
			g.log.Warn("TRAINER", fmt.Sprintf("Failed to release decision lock for %s: %v", bookingID, err))
		}
	}()
	return fn()
}

func (g *Gateway) accept(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	overlap, err := g.store.HasConfirmedOverlap(ctx, b.CourtID, b.StartTime, b.EndTime, b.ID)
	if err != nil {
		return nil, err
	}
	if overlap {
		return nil, fmt.Errorf("booking %s on court %s: %w", b.ID, b.CourtID, apperr.ErrOverlap)
	}

	if err := g.holds.CaptureHold(ctx, b.ExternalChargeRef); err != nil {
		g.log.LogBooking("CAPTURE_FAILED", b.ID, err.Error())
		return nil, err
	}

	if err := g.store.ResolveTrainerBooking(ctx, b.ID, models.BookingConfirmed, models.PaymentPaidStripe); err != nil {
		if errors.Is(err, apperr.ErrOverlap) {
			g.releasePaidSlot(ctx, b)
			return nil, err
		}
		g.log.LogBooking("CAPTURED_NOT_CONFIRMED", b.ID, fmt.Sprintf("Hold %s captured but booking not updated, needs manual reconciliation: %v", b.ExternalChargeRef, err))
		return nil, err
	}

	b.Status = models.BookingConfirmed
	b.PaymentStatus = models.PaymentPaidStripe
	g.log.LogBooking("TRAINER_ACCEPTED", b.ID, fmt.Sprintf("Hold %s captured", b.ExternalChargeRef))
	g.events.BookingChanged(ctx, events.BookingConfirmed, b)
	if g.notifier != nil {
		if err := g.notifier.BookingConfirmed(ctx, b); err != nil {
			g.log.Warn("TRAINER", fmt.Sprintf("Confirmation email for %s not sent: %v", b.ID, err))
		}
	}
	return b, nil
}

// releasePaidSlot handles a court that was taken while the hold was being captured. The
// money is already collected, so the booking is cancelled as paid and flagged for a refund.
func (g *Gateway) releasePaidSlot(ctx context.Context, b *models.Booking) {
	g.log.LogBooking("PAID_OVERLAP", b.ID, fmt.Sprintf("Hold %s captured but court %s was taken meanwhile, refund needed", b.ExternalChargeRef, b.CourtID))
	if err := g.store.ResolveTrainerBooking(ctx, b.ID, models.BookingCancelled, models.PaymentPaidStripe); err != nil {
		g.log.Error("TRAINER", fmt.Sprintf("Failed to cancel overlapping booking %s: %v", b.ID, err))
		return
	}
	if err := g.store.DeletePayoutByBooking(ctx, b.ID); err != nil {
		g.log.Error("TRAINER", fmt.Sprintf("Failed to delete payout for %s: %v", b.ID, err))
	}
	b.Status = models.BookingCancelled
	b.PaymentStatus = models.PaymentPaidStripe
	g.events.BookingChanged(ctx, events.BookingCancelled, b)
}

func (g *Gateway) reject(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	if err := g.release(ctx, b); err != nil {
		return nil, err
	}
	g.log.LogBooking("TRAINER_REJECTED", b.ID, fmt.Sprintf("Hold %s voided", b.ExternalChargeRef))
	g.events.BookingChanged(ctx, events.BookingRejected, b)
	if g.notifier != nil {
		if err := g.notifier.BookingRejected(ctx, b); err != nil {
			g.log.Warn("TRAINER", fmt.Sprintf("Rejection email for %s not sent: %v", b.ID, err))
		}
	}
	return b, nil
}

// release voids the hold, cancels the booking and drops the shadow payout.
func (g *Gateway) release(ctx context.Context, b *models.Booking) error {
	if b.ExternalChargeRef != "" {
		if err := g.holds.VoidHold(ctx, b.ExternalChargeRef); err != nil {
			g.log.LogBooking("VOID_FAILED", b.ID, err.Error())
			return err
		}
	}
	if err := g.store.ResolveTrainerBooking(ctx, b.ID, models.BookingCancelled, models.PaymentUnpaid); err != nil {
		return err
	}
	if err := g.store.DeletePayoutByBooking(ctx, b.ID); err != nil {
		g.log.Error("TRAINER", fmt.Sprintf("Failed to delete payout for %s: %v", b.ID, err))
	}
	b.Status = models.BookingCancelled
	b.PaymentStatus = models.PaymentUnpaid
	return nil
}

// ExpireHold releases a hold the trainer never answered. It is called by the cleanup job for
// bookings past their decision window.
func (g *Gateway) ExpireHold(ctx context.Context, b *models.Booking) error {
	err := g.withLock(ctx, b.ID, func() error {
		current, err := g.pending(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := g.release(ctx, current); err != nil {
			return err
		}
		*b = *current
		return nil
	})
	if err != nil {
		return err
	}
	g.log.LogBooking("TRAINER_TIMEOUT", b.ID, "Decision window closed, hold voided")
	g.events.BookingChanged(ctx, events.BookingExpired, b)
	if g.notifier != nil {
		if err := g.notifier.BookingRejected(ctx, b); err != nil {
			g.log.Warn("TRAINER", fmt.Sprintf("Rejection email for %s not sent: %v", b.ID, err))
		}
	}
	return nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrGone):
		return "expired"
	case errors.Is(err, apperr.ErrStateConflict), errors.Is(err, apperr.ErrOverlap):
		return "conflict"
	case apperr.IsUpstream(err):
		return "upstream_error"
	}
	return "error"
}
