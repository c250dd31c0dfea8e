// Package booking serves the UI-facing booking operations that need no payment: status reads,
// cash bookings, cancellation and the periodic cleanup of abandoned holds.
package booking

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/events"
	"ms-booking/internal/logger"
	"ms-booking/internal/membership"
	"ms-booking/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookingsForOwner(ctx context.Context, clubID, userID string) ([]models.Booking, error)
	CreateConfirmedBooking(ctx context.Context, b *models.Booking) error
	CancelConfirmedBooking(ctx context.Context, clubID, id string) (*models.Booking, error)
	ListStalePlaceholders(ctx context.Context, createdBefore time.Time) ([]models.Booking, error)
	ListExpiredTrainerHolds(ctx context.Context, now time.Time) ([]models.Booking, error)
	DeletePlaceholder(ctx context.Context, id string) (bool, error)
}

// HoldReleaser voids trainer holds that were never answered.
type HoldReleaser interface {
	ExpireHold(ctx context.Context, b *models.Booking) error
}

// SessionExpirer closes the hosted checkout behind an abandoned placeholder.
type SessionExpirer interface {
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

// Memberships reports whether a user's membership currently covers member bookings.
type Memberships interface {
	Status(ctx context.Context, clubID, userID string, now time.Time) (membership.View, error)
}

type Service struct {
	store          Store
	holds          HoldReleaser
	sessions       SessionExpirer
	memberships    Memberships
	events         events.Sink
	placeholderTTL time.Duration
	log            *logger.Logger
	now            func() time.Time
}

type Deps struct {
	Store       Store
	Holds       HoldReleaser
	Sessions    SessionExpirer
	Memberships Memberships
	Events      events.Sink
	// PlaceholderTTL is how long an awaiting_payment row may hold its slot.
	PlaceholderTTL time.Duration
	Log            *logger.Logger
}

func NewService(deps Deps) *Service {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logger.NewDiscardLogger()
	}
	if deps.PlaceholderTTL <= 0 {
		deps.PlaceholderTTL = 30 * time.Minute
	}
	return &Service{
		store:          deps.Store,
		holds:          deps.Holds,
		sessions:       deps.Sessions,
		memberships:    deps.Memberships,
		events:         deps.Events,
		placeholderTTL: deps.PlaceholderTTL,
		log:            deps.Log,
		now:            time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Status returns the booking as the UI shows it. Bookings of other clubs are reported missing.
func (s *Service) Status(ctx context.Context, clubID, id string) (*models.BookingStatusView, error) {
	b, err := s.Get(ctx, clubID, id)
	if err != nil {
		return nil, err
	}
	view := b.View()
	return &view, nil
}

func (s *Service) Get(ctx context.Context, clubID, id string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.ClubID != clubID {
		return nil, fmt.Errorf("booking %s: %w", id, apperr.ErrNotFound)
	}
	return b, nil
}

func (s *Service) ListForOwner(ctx context.Context, clubID, userID string) ([]models.BookingStatusView, error) {
	bookings, err := s.store.ListBookingsForOwner(ctx, clubID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.BookingStatusView, 0, len(bookings))
	for i := range bookings {
		out = append(out, bookings[i].View())
	}
	return out, nil
}

// CashRequest is a booking paid at the desk or covered by membership.
type CashRequest struct {
	ClubID     string    `json:"-"`
	CourtID    string    `json:"court_id"`
	TrainerID  string    `json:"trainer_id"`
	UserID     string    `json:"user_id"`
	GuestName  string    `json:"guest_name"`
	GuestEmail string    `json:"guest_email"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	PriceCents int64     `json:"price_cents"`
	// Member bookings are paid by the membership instead of at the desk.
	Member bool `json:"member"`
}

// CreateCash stores an already confirmed booking. No payment authority is involved.
func (s *Service) CreateCash(ctx context.Context, req CashRequest) (*models.Booking, error) {
	switch {
	case req.ClubID == "":
		return nil, apperr.Validation("club_id", "missing")
	case req.CourtID == "" && req.TrainerID == "":
		return nil, apperr.Validation("court_id", "booking needs a court or a trainer")
	case req.UserID == "" && req.GuestEmail == "":
		return nil, apperr.Validation("user_id", "booking needs a user or a guest email")
	case !req.End.After(req.Start):
		return nil, apperr.Validation("end", "end must be after start")
	case req.PriceCents < 0:
		return nil, apperr.Validation("price_cents", "negative")
	case req.Member && req.UserID == "":
		return nil, apperr.Validation("user_id", "member booking without user")
	}
	if req.GuestEmail != "" {
		if _, err := mail.ParseAddress(req.GuestEmail); err != nil {
			return nil, apperr.Validation("guest_email", "not an email address")
		}
	}

	paid := models.PaymentPaidCash
	if req.Member {
		if err := s.requireMembership(ctx, req.ClubID, req.UserID); err != nil {
			return nil, err
		}
		paid = models.PaymentPaidMember
	}
	b := &models.Booking{
		ID:            uuid.NewString(),
		ClubID:        req.ClubID,
		CourtID:       req.CourtID,
		TrainerID:     req.TrainerID,
		UserID:        req.UserID,
		GuestName:     req.GuestName,
		GuestEmail:    req.GuestEmail,
		StartTime:     req.Start,
		EndTime:       req.End,
		PaymentStatus: paid,
		PricePaid:     req.PriceCents,
	}
	if err := s.store.CreateConfirmedBooking(ctx, b); err != nil {
		return nil, err
	}
	s.log.LogBooking("CONFIRMED", b.ID, fmt.Sprintf("Direct booking (%s)", paid))
	s.events.BookingChanged(ctx, events.BookingConfirmed, b)
	return b, nil
}

func (s *Service) requireMembership(ctx context.Context, clubID, userID string) error {
	if s.memberships == nil {
		return fmt.Errorf("member booking for %s: no membership ledger: %w", userID, apperr.ErrStateConflict)
	}
	view, err := s.memberships.Status(ctx, clubID, userID, s.now())
	if err != nil {
		return err
	}
	if view.Status != models.MembershipActive {
		return fmt.Errorf("membership of %s in %s is %q: %w", userID, clubID, view.Status, apperr.ErrStateConflict)
	}
	return nil
}

// Cancel moves a confirmed booking to cancelled. Refunds are handled outside this service.
func (s *Service) Cancel(ctx context.Context, clubID, id string) (*models.Booking, error) {
	b, err := s.store.CancelConfirmedBooking(ctx, clubID, id)
	if err != nil {
		return nil, err
	}
	s.log.LogBooking("CANCELLED", b.ID, "Cancelled by user")
	s.events.BookingChanged(ctx, events.BookingCancelled, b)
	return b, nil
}

// CleanupReport counts what one cleanup run released.
type CleanupReport struct {
	Placeholders int `json:"placeholders_removed"`
	TrainerHolds int `json:"trainer_holds_released"`
	Failed       int `json:"failed"`
}

// Cleanup frees slots held by abandoned checkouts and voids trainer holds whose decision
// window closed. One failing row does not stop the run.
func (s *Service) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := s.now()

	stale, err := s.store.ListStalePlaceholders(ctx, now.Add(-s.placeholderTTL))
	if err != nil {
		return report, fmt.Errorf("list stale placeholders: %w", err)
	}
	for i := range stale {
		b := &stale[i]
		if b.ExternalSessionRef != "" && s.sessions != nil {
			if err := s.sessions.ExpireCheckoutSession(ctx, b.ExternalSessionRef); err != nil {
				// A session that cannot be expired may still be paid; keep the slot.
				s.log.Warn("CLEANUP", fmt.Sprintf("Keeping %s, session %s not expired: %v", b.ID, b.ExternalSessionRef, err))
				report.Failed++
				continue
			}
		}
		deleted, err := s.store.DeletePlaceholder(ctx, b.ID)
		if err != nil {
			s.log.Error("CLEANUP", fmt.Sprintf("Failed to delete placeholder %s: %v", b.ID, err))
			report.Failed++
			continue
		}
		if deleted {
			report.Placeholders++
			s.events.BookingChanged(ctx, events.BookingExpired, b)
		}
	}

	if s.holds != nil {
		expired, err := s.store.ListExpiredTrainerHolds(ctx, now)
		if err != nil {
			return report, fmt.Errorf("list expired trainer holds: %w", err)
		}
		for i := range expired {
			if err := s.holds.ExpireHold(ctx, &expired[i]); err != nil {
				s.log.Error("CLEANUP", fmt.Sprintf("Failed to release trainer hold %s: %v", expired[i].ID, err))
				report.Failed++
				continue
			}
			report.TrainerHolds++
		}
	}

	s.log.Info("CLEANUP", fmt.Sprintf("Removed %d placeholder(s), released %d trainer hold(s), %d failure(s)", report.Placeholders, report.TrainerHolds, report.Failed))
	return report, nil
}
