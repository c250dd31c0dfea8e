// Package checkout opens hosted payment sessions for booking drafts and membership purchases.
// It never confirms anything: confirmation arrives later through the webhook processor.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/discount"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/payment"

	"github.com/google/uuid"
)

var ErrCheckoutFailed = errors.New("checkout could not be started")

// Store is the slice of the reservation ledger the initiator writes to.
type Store interface {
	HasConfirmedOverlap(ctx context.Context, courtID string, start, end time.Time, excludeID string) (bool, error)
	CreatePlaceholder(ctx context.Context, b *models.Booking) error
}

// Discounts previews a code against a price without consuming it.
type Discounts interface {
	Validate(ctx context.Context, clubID, code string, priceCents int64) (*discount.Quote, error)
}

type Options struct {
	PublicBaseURL     string
	Currency          string
	MembershipProduct string
}

type Initiator struct {
	store     Store
	gateway   payment.Gateway
	discounts Discounts
	opts      Options
	log       *logger.Logger
	now       func() time.Time
}

func NewInitiator(store Store, gateway payment.Gateway, discounts Discounts, opts Options, log *logger.Logger) *Initiator {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if opts.Currency == "" {
		opts.Currency = "eur"
	}
	if opts.MembershipProduct == "" {
		opts.MembershipProduct = "Club membership"
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Initiator{store: store, gateway: gateway, discounts: discounts, opts: opts, log: log, now: time.Now}
}

// WithClock replaces the time source used to reject drafts in the past.
func (i *Initiator) WithClock(now func() time.Time) *Initiator {
	i.now = now
	return i
}

// BookingDraft is a reservation the user is about to pay for.
type BookingDraft struct {
	ClubID       string    `json:"-"`
	ClubSlug     string    `json:"-"`
	CourtID      string    `json:"court_id"`
	TrainerID    string    `json:"trainer_id"`
	TrainerEmail string    `json:"trainer_email"`
	UserID       string    `json:"user_id"`
	GuestName    string    `json:"guest_name"`
	GuestEmail   string    `json:"guest_email"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	PriceCents   int64     `json:"price_cents"`
	DiscountCode string    `json:"discount_code"`
}

func (d *BookingDraft) validate(now time.Time) error {
	switch {
	case d.ClubID == "":
		return apperr.Validation("club_id", "missing")
	case d.ClubSlug == "":
		return apperr.Validation("club_slug", "missing")
	case d.CourtID == "" && d.TrainerID == "":
		return apperr.Validation("court_id", "booking needs a court or a trainer")
	case d.UserID == "" && d.GuestEmail == "":
		return apperr.Validation("user_id", "booking needs a user or a guest email")
	case !d.End.After(d.Start):
		return apperr.Validation("end", "end must be after start")
	case d.Start.Before(now):
		return apperr.Validation("start", "slot is in the past")
	case d.PriceCents <= 0:
		return apperr.Validation("price_cents", "must be positive")
	}
	if d.GuestEmail != "" {
		if _, err := mail.ParseAddress(d.GuestEmail); err != nil {
			return apperr.Validation("guest_email", "not an email address")
		}
	}
	if d.TrainerID != "" && d.TrainerEmail == "" {
		return apperr.Validation("trainer_email", "trainer sessions need the trainer's address")
	}
	return nil
}

// Result is what the UI needs to redirect the payer.
type Result struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
	BookingID string `json:"booking_id,omitempty"`
}

func (i *Initiator) successURL(slug string) string {
	return fmt.Sprintf("%s/%s/checkout/success?session_id={CHECKOUT_SESSION_ID}", i.opts.PublicBaseURL, slug)
}

func (i *Initiator) cancelURL(slug string) string {
	return fmt.Sprintf("%s/%s/checkout/cancel?session_id={CHECKOUT_SESSION_ID}", i.opts.PublicBaseURL, slug)
}

// StartBooking validates the draft, opens a session and stores the placeholder that holds the
// slot. If the placeholder cannot be stored the session is expired again.
func (i *Initiator) StartBooking(ctx context.Context, draft BookingDraft) (*Result, error) {
	draft.Start, draft.End = draft.Start.UTC(), draft.End.UTC()
	draft.DiscountCode = discount.Normalize(draft.DiscountCode)
	if err := draft.validate(i.now()); err != nil {
		return nil, err
	}

	overlap, err := i.store.HasConfirmedOverlap(ctx, draft.CourtID, draft.Start, draft.End, "")
	if err != nil {
		return nil, fmt.Errorf("%w: overlap check: %v", ErrCheckoutFailed, err)
	}
	if overlap {
		return nil, fmt.Errorf("court %s at %s: %w", draft.CourtID, draft.Start.Format(time.RFC3339), apperr.ErrOverlap)
	}

	price := draft.PriceCents
	if draft.DiscountCode != "" {
		quote, err := i.discounts.Validate(ctx, draft.ClubID, draft.DiscountCode, price)
		if err != nil {
			return nil, err
		}
		price = quote.DiscountedCents
		if price <= 0 {
			return nil, apperr.Validation("discount_code", "covers the full price; book without online payment")
		}
	}

	bookingID := uuid.NewString()
	trainer := draft.TrainerID != ""
	meta := payment.Metadata{
		Kind:         payment.KindBooking,
		ClubID:       draft.ClubID,
		ClubSlug:     draft.ClubSlug,
		BookingID:    bookingID,
		CourtID:      draft.CourtID,
		TrainerID:    draft.TrainerID,
		TrainerEmail: draft.TrainerEmail,
		UserID:       draft.UserID,
		GuestName:    draft.GuestName,
		GuestEmail:   draft.GuestEmail,
		Start:        draft.Start,
		End:          draft.End,
		PriceCents:   price,
		DiscountCode: draft.DiscountCode,
	}

	product := "Court booking"
	if trainer {
		product = "Trainer session"
	}
	sess, err := i.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		Mode:          payment.ModePayment,
		ManualCapture: trainer,
		AmountCents:   price,
		Currency:      i.opts.Currency,
		ProductName:   product,
		CustomerEmail: draft.GuestEmail,
		SuccessURL:    i.successURL(draft.ClubSlug),
		CancelURL:     i.cancelURL(draft.ClubSlug),
		Metadata:      meta,
	})
	if err != nil {
		i.log.LogBooking("CHECKOUT_FAILED", bookingID, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	status := models.BookingAwaitingPayment
	if trainer {
		status = models.BookingPendingTrainer
	}
	placeholder := &models.Booking{
		ID:                 bookingID,
		ClubID:             draft.ClubID,
		CourtID:            draft.CourtID,
		TrainerID:          draft.TrainerID,
		UserID:             draft.UserID,
		GuestName:          draft.GuestName,
		GuestEmail:         draft.GuestEmail,
		StartTime:          draft.Start,
		EndTime:            draft.End,
		Status:             status,
		PaymentStatus:      models.PaymentUnpaid,
		PricePaid:          price,
		DiscountCode:       draft.DiscountCode,
		ExternalSessionRef: sess.ID,
	}
	if err := i.store.CreatePlaceholder(ctx, placeholder); err != nil {
		i.log.LogBooking("PLACEHOLDER_FAILED", bookingID, fmt.Sprintf("Expiring session %s: %v", sess.ID, err))
		i.expireQuietly(ctx, sess.ID)
		if errors.Is(err, apperr.ErrOverlap) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	i.log.LogBooking("CHECKOUT_STARTED", bookingID, fmt.Sprintf("Session %s opened (%s, %d cents)", sess.ID, status, price))
	return &Result{URL: sess.URL, SessionID: sess.ID, BookingID: bookingID}, nil
}

func (i *Initiator) expireQuietly(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := i.gateway.ExpireCheckoutSession(ctx, sessionID); err != nil {
		i.log.Warn("CHECKOUT", fmt.Sprintf("Session %s left open: %v", sessionID, err))
	}
}

// MembershipPurchase is a yearly membership bought through checkout.
type MembershipPurchase struct {
	ClubID     string `json:"-"`
	ClubSlug   string `json:"-"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	PlanID     string `json:"plan_id"`
	PriceCents int64  `json:"price_cents"`
	Recurring  bool   `json:"recurring"`
}

// StartMembership opens a subscription or one-time checkout. Nothing is stored locally until
// the payment authority reports completion.
func (i *Initiator) StartMembership(ctx context.Context, p MembershipPurchase) (*Result, error) {
	switch {
	case p.ClubID == "":
		return nil, apperr.Validation("club_id", "missing")
	case p.ClubSlug == "":
		return nil, apperr.Validation("club_slug", "missing")
	case p.UserID == "":
		return nil, apperr.Validation("user_id", "membership purchase without user")
	case p.PriceCents <= 0:
		return nil, apperr.Validation("price_cents", "must be positive")
	}

	kind := payment.KindMembershipOneTime
	mode := payment.ModePayment
	if p.Recurring {
		kind = payment.KindMembershipSubscription
		mode = payment.ModeSubscription
	}

	sess, err := i.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		Mode:              mode,
		AmountCents:       p.PriceCents,
		Currency:          i.opts.Currency,
		ProductName:       i.opts.MembershipProduct,
		CustomerEmail:     p.Email,
		RecurringInterval: "year",
		SuccessURL:        i.successURL(p.ClubSlug),
		CancelURL:         i.cancelURL(p.ClubSlug),
		Metadata: payment.Metadata{
			Kind:       kind,
			ClubID:     p.ClubID,
			ClubSlug:   p.ClubSlug,
			UserID:     p.UserID,
			PlanID:     p.PlanID,
			PriceCents: p.PriceCents,
		},
	})
	if err != nil {
		i.log.LogMembership("CHECKOUT_FAILED", p.ClubID+"/"+p.UserID, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	i.log.LogMembership("CHECKOUT_STARTED", p.ClubID+"/"+p.UserID, fmt.Sprintf("Session %s opened (%s)", sess.ID, kind))
	return &Result{URL: sess.URL, SessionID: sess.ID}, nil
}
