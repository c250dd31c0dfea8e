// Package webhook reconciles the local ledgers with events from the payment authority.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/events"
	"ms-booking/internal/logger"
	"ms-booking/internal/membership"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"
	"ms-booking/internal/payment"

	"github.com/google/uuid"
)

// Ledger is the part of the reservation ledger the processor mutates.
type Ledger interface {
	ClaimEvent(ctx context.Context, key, kind string) (bool, error)
	ReleaseEvent(ctx context.Context, key string) error

	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	CreateConfirmedBooking(ctx context.Context, b *models.Booking) error
	ConfirmBooking(ctx context.Context, id string, paymentStatus models.PaymentStatus, chargeRef string) (*models.Booking, error)
	MarkTrainerPending(ctx context.Context, id, chargeRef, token string, expiresAt time.Time) error
	DeletePlaceholder(ctx context.Context, id string) (bool, error)
	CreatePayout(ctx context.Context, p *models.TrainerPayout) error
}

type Memberships interface {
	Activate(ctx context.Context, req membership.ActivateRequest) (*models.ClubMembership, error)
	RenewBySubscription(ctx context.Context, subscriptionRef string, now time.Time) (*models.ClubMembership, error)
	ExpireBySubscription(ctx context.Context, subscriptionRef string) (*models.ClubMembership, error)
}

type Discounts interface {
	Redeem(ctx context.Context, clubID, code string) (*models.DiscountCode, error)
}

type Notifier interface {
	TrainerDecisionRequested(ctx context.Context, b *models.Booking, trainerEmail string) error
	BookingConfirmed(ctx context.Context, b *models.Booking) error
}

type silentNotifier struct{}

func (silentNotifier) TrainerDecisionRequested(context.Context, *models.Booking, string) error { return nil }
func (silentNotifier) BookingConfirmed(context.Context, *models.Booking) error                { return nil }

type Processor struct {
	ledger      Ledger
	memberships Memberships
	discounts   Discounts
	notifier    Notifier
	events      events.Sink
	decisionTTL time.Duration
	log         *logger.Logger
	now         func() time.Time
}

type ProcessorDeps struct {
	Ledger      Ledger
	Memberships Memberships
	Discounts   Discounts
	Notifier    Notifier
	Events      events.Sink
	// DecisionTTL is how long a trainer may answer before the hold is released.
	DecisionTTL time.Duration
	Log         *logger.Logger
}

func NewProcessor(deps ProcessorDeps) *Processor {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logger.NewDiscardLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = silentNotifier{}
	}
	if deps.DecisionTTL <= 0 {
		deps.DecisionTTL = 48 * time.Hour
	}
	return &Processor{
		ledger:      deps.Ledger,
		memberships: deps.Memberships,
		discounts:   deps.Discounts,
		notifier:    deps.Notifier,
		events:      deps.Events,
		decisionTTL: deps.DecisionTTL,
		log:         deps.Log,
		now:         time.Now,
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// IdempotencyKey is the processed_events key of an event. Checkout events are keyed by the
// session so a resend under a new event id is still recognized; invoices by event id.
func IdempotencyKey(ev Event) string {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return fmt.Sprintf("checkout.%s:%s", e.Metadata.Kind, e.SessionID)
	case CheckoutExpired:
		return "checkout.expired:" + e.SessionID
	case InvoicePaymentSucceeded, InvoicePaymentFailed:
		return "invoice:" + ev.EventID()
	}
	return ""
}

func kindOf(ev Event) string {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return "checkout." + string(e.Metadata.Kind)
	case CheckoutExpired:
		return "checkout.expired"
	case InvoicePaymentSucceeded:
		return "invoice.succeeded"
	case InvoicePaymentFailed:
		return "invoice.failed"
	case Unhandled:
		return "unhandled"
	}
	return "unknown"
}

// Outcome tells the caller what happened to an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeReplay  Outcome = "replay"
	OutcomeIgnored Outcome = "ignored"
)

// Process applies one event at most once. A failure releases the claim so that a later
// redelivery can try again.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	kind := kindOf(ev)
	if _, ok := ev.(Unhandled); ok {
		metrics.IncWebhook(kind, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	key := IdempotencyKey(ev)
	claimed, err := p.ledger.ClaimEvent(ctx, key, kind)
	if err != nil {
		metrics.IncWebhook(kind, "failed")
		return "", err
	}
	if !claimed {
		p.log.LogWebhook(kind, ev.EventID(), fmt.Sprintf("Already processed (%s), acknowledged", key))
		metrics.IncWebhook(kind, string(OutcomeReplay))
		return OutcomeReplay, nil
	}

	outcome, err := p.apply(ctx, ev)
	if err != nil {
		if rerr := p.ledger.ReleaseEvent(ctx, key); rerr != nil {
			p.log.Error("WEBHOOK", fmt.Sprintf("Failed to release %s after error: %v", key, rerr))
		}
		metrics.IncWebhook(kind, "failed")
		return "", err
	}
	metrics.IncWebhook(kind, string(outcome))
	return outcome, nil
}

func (p *Processor) apply(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		switch e.Metadata.Kind {
		case payment.KindBooking:
			return p.completeBooking(ctx, e)
		case payment.KindMembershipSubscription:
			return p.activateMembership(ctx, e, e.SubscriptionRef)
		case payment.KindMembershipOneTime:
			return p.activateMembership(ctx, e, "")
		}
		return "", apperr.Validation("kind", string(e.Metadata.Kind))

	case CheckoutExpired:
		return p.expireCheckout(ctx, e)

	case InvoicePaymentSucceeded:
		// The first invoice of a subscription is paid by the checkout that created it.
		if e.BillingReason == "subscription_create" {
			p.log.LogWebhook("invoice.payment_succeeded", e.ID, "Initial subscription invoice, covered by checkout")
			return OutcomeIgnored, nil
		}
		m, err := p.memberships.RenewBySubscription(ctx, e.SubscriptionRef, p.now())
		if err != nil {
			return "", fmt.Errorf("renew subscription %s: %w", e.SubscriptionRef, err)
		}
		p.log.LogWebhook("invoice.payment_succeeded", e.ID, fmt.Sprintf("Membership %s/%s valid until %s", m.ClubID, m.UserID, m.ValidUntil.Format(time.RFC3339)))
		return OutcomeApplied, nil

	case InvoicePaymentFailed:
		m, err := p.memberships.ExpireBySubscription(ctx, e.SubscriptionRef)
		if err != nil {
			return "", fmt.Errorf("expire subscription %s: %w", e.SubscriptionRef, err)
		}
		p.log.LogWebhook("invoice.payment_failed", e.ID, fmt.Sprintf("Membership %s/%s expired", m.ClubID, m.UserID))
		return OutcomeApplied, nil
	}
	return OutcomeIgnored, nil
}

func (p *Processor) activateMembership(ctx context.Context, e CheckoutCompleted, subscriptionRef string) (Outcome, error) {
	m, err := p.memberships.Activate(ctx, membership.ActivateRequest{
		ClubID:          e.Metadata.ClubID,
		UserID:          e.Metadata.UserID,
		PlanID:          e.Metadata.PlanID,
		SubscriptionRef: subscriptionRef,
		Now:             p.now(),
	})
	if err != nil {
		return "", fmt.Errorf("activate membership %s/%s: %w", e.Metadata.ClubID, e.Metadata.UserID, err)
	}
	p.log.LogWebhook("checkout.session.completed", e.ID, fmt.Sprintf("Membership %s/%s active until %s", m.ClubID, m.UserID, m.ValidUntil.Format(time.RFC3339)))
	return OutcomeApplied, nil
}

func (p *Processor) completeBooking(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	meta := e.Metadata
	b, err := p.ledger.GetBooking(ctx, meta.BookingID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return p.insertPaidBooking(ctx, e)
	case err != nil:
		return "", err
	}

	switch b.Status {
	case models.BookingConfirmed:
		p.log.LogBooking("ALREADY_CONFIRMED", b.ID, "Checkout completion for a confirmed booking, nothing to do")
		return OutcomeIgnored, nil
	case models.BookingCancelled:
		p.log.LogBooking("PAID_AFTER_CANCEL", b.ID, fmt.Sprintf("Payment %s arrived for a cancelled booking, needs manual refund", e.PaymentIntentID))
		return "", fmt.Errorf("booking %s is cancelled: %w", b.ID, apperr.ErrStateConflict)
	}

	if b.IsTrainerSession() {
		return p.holdForTrainer(ctx, e, b)
	}

	confirmed, err := p.ledger.ConfirmBooking(ctx, b.ID, models.PaymentPaidStripe, e.PaymentIntentID)
	if err != nil {
		if errors.Is(err, apperr.ErrOverlap) {
			p.log.LogBooking("PAID_OVERLAP", b.ID, fmt.Sprintf("Slot taken before payment %s completed, needs manual refund", e.PaymentIntentID))
		}
		return "", fmt.Errorf("confirm booking %s: %w", b.ID, err)
	}
	p.afterConfirm(ctx, e, confirmed)
	return OutcomeApplied, nil
}

// insertPaidBooking handles completions whose placeholder no longer exists, e.g. removed by
// cleanup while the guest was still paying.
func (p *Processor) insertPaidBooking(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	meta := e.Metadata
	if meta.TrainerID != "" {
		return "", fmt.Errorf("trainer booking %s has no placeholder: %w", meta.BookingID, apperr.ErrNotFound)
	}
	b := &models.Booking{
		ID:                 meta.BookingID,
		ClubID:             meta.ClubID,
		CourtID:            meta.CourtID,
		UserID:             meta.UserID,
		GuestName:          meta.GuestName,
		GuestEmail:         meta.GuestEmail,
		StartTime:          meta.Start,
		EndTime:            meta.End,
		PaymentStatus:      models.PaymentPaidStripe,
		PricePaid:          meta.PriceCents,
		DiscountCode:       meta.DiscountCode,
		ExternalChargeRef:  e.PaymentIntentID,
		ExternalSessionRef: e.SessionID,
	}
	if err := p.ledger.CreateConfirmedBooking(ctx, b); err != nil {
		if errors.Is(err, apperr.ErrOverlap) {
			p.log.LogBooking("PAID_OVERLAP", b.ID, fmt.Sprintf("Slot taken before payment %s completed, needs manual refund", e.PaymentIntentID))
		}
		return "", fmt.Errorf("insert paid booking %s: %w", b.ID, err)
	}
	p.log.LogBooking("CONFIRMED_WITHOUT_PLACEHOLDER", b.ID, "Inserted from checkout metadata")
	p.afterConfirm(ctx, e, b)
	return OutcomeApplied, nil
}

func (p *Processor) afterConfirm(ctx context.Context, e CheckoutCompleted, b *models.Booking) {
	p.redeemDiscount(ctx, e.Metadata)
	p.log.LogBooking("CONFIRMED", b.ID, fmt.Sprintf("Paid via %s", e.PaymentIntentID))
	p.events.BookingChanged(ctx, events.BookingConfirmed, b)
	if err := p.notifier.BookingConfirmed(ctx, b); err != nil {
		p.log.Warn("WEBHOOK", fmt.Sprintf("Confirmation email for %s not sent: %v", b.ID, err))
	}
}

// holdForTrainer keeps the authorization hold and asks the trainer to decide.
func (p *Processor) holdForTrainer(ctx context.Context, e CheckoutCompleted, b *models.Booking) (Outcome, error) {
	if e.PaymentIntentID == "" {
		return "", apperr.Validation("payment_intent", "trainer checkout without payment intent")
	}

	token := uuid.NewString()
	expiresAt := p.now().Add(p.decisionTTL).UTC()
	if err := p.ledger.MarkTrainerPending(ctx, b.ID, e.PaymentIntentID, token, expiresAt); err != nil {
		return "", err
	}
	b.ExternalChargeRef = e.PaymentIntentID
	b.TrainerActionToken = token
	b.TrainerActionExpiresAt = expiresAt

	payout := &models.TrainerPayout{
		ID:          uuid.NewString(),
		BookingID:   b.ID,
		TrainerID:   b.TrainerID,
		AmountCents: b.PricePaid,
		Status:      models.PayoutPending,
	}
	if err := p.ledger.CreatePayout(ctx, payout); err != nil {
		// The hold and token are recorded; the payout can be rebuilt from the booking.
		p.log.Error("WEBHOOK", fmt.Sprintf("Failed to record payout for %s: %v", b.ID, err))
	}

	p.redeemDiscount(ctx, e.Metadata)
	p.log.LogBooking("PENDING_TRAINER", b.ID, fmt.Sprintf("Hold %s placed, decision due by %s", e.PaymentIntentID, expiresAt.Format(time.RFC3339)))
	p.events.BookingChanged(ctx, events.BookingPendingTrainer, b)
	if err := p.notifier.TrainerDecisionRequested(ctx, b, e.Metadata.TrainerEmail); err != nil {
		p.log.Warn("WEBHOOK", fmt.Sprintf("Trainer email for %s not sent: %v", b.ID, err))
	}
	return OutcomeApplied, nil
}

// redeemDiscount runs after the booking change committed. The payer already got the lower
// price, so a failure is logged for reconciliation instead of failing the event.
func (p *Processor) redeemDiscount(ctx context.Context, meta payment.Metadata) {
	if meta.DiscountCode == "" || p.discounts == nil {
		return
	}
	if _, err := p.discounts.Redeem(ctx, meta.ClubID, meta.DiscountCode); err != nil {
		p.log.LogBooking("DISCOUNT_NOT_REDEEMED", meta.BookingID, fmt.Sprintf("Code %s: %v", meta.DiscountCode, err))
	}
}

func (p *Processor) expireCheckout(ctx context.Context, e CheckoutExpired) (Outcome, error) {
	if e.BookingID == "" {
		return OutcomeIgnored, nil
	}
	b, err := p.ledger.GetBooking(ctx, e.BookingID)
	if errors.Is(err, apperr.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if !b.Status.IsPlaceholder() {
		return OutcomeIgnored, nil
	}

	deleted, err := p.ledger.DeletePlaceholder(ctx, e.BookingID)
	if err != nil {
		return "", fmt.Errorf("delete placeholder %s: %w", e.BookingID, err)
	}
	if !deleted {
		return OutcomeIgnored, nil
	}
	p.log.LogBooking("EXPIRED", e.BookingID, fmt.Sprintf("Checkout %s expired, slot released", e.SessionID))
	p.events.BookingChanged(ctx, events.BookingExpired, b)
	return OutcomeApplied, nil
}
