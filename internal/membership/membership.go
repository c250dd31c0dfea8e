// Package membership holds the membership validity rules and applies them to the ledger.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/events"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

// NextValidUntil extends a membership by one year from whichever is later, the current end
// of validity or now. A renewal therefore never shortens a running window and never backdates.
func NextValidUntil(existing, now time.Time) time.Time {
	base := now.UTC()
	if existing.After(base) {
		base = existing.UTC()
	}
	return base.AddDate(1, 0, 0)
}

// CanTransition reports whether the ledger may move a membership from one status to another.
// Paused rows belong to club administration and are never touched here.
func CanTransition(from, to models.MembershipStatus) error {
	switch {
	case from == models.MembershipNone && to == models.MembershipActive,
		from == models.MembershipActive && to == models.MembershipActive,
		from == models.MembershipActive && to == models.MembershipExpired,
		from == models.MembershipExpired && to == models.MembershipActive:
		return nil
	}
	return fmt.Errorf("membership %q -> %q: %w", from, to, apperr.ErrStateConflict)
}

// Store is the slice of the ledger the membership service needs.
type Store interface {
	GetMembership(ctx context.Context, clubID, userID string) (*models.ClubMembership, error)
	GetMembershipBySubscription(ctx context.Context, subscriptionRef string) (*models.ClubMembership, error)
	UpdateMembership(ctx context.Context, clubID, userID string, fn func(current *models.ClubMembership) (*models.ClubMembership, error)) (*models.ClubMembership, error)
	ListLapsedMemberships(ctx context.Context, now time.Time) ([]models.ClubMembership, error)
}

type Service struct {
	store  Store
	events events.Sink
	log    *logger.Logger
}

func NewService(store Store, sink events.Sink, log *logger.Logger) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Service{store: store, events: sink, log: log}
}

// ActivateRequest is a completed membership purchase.
type ActivateRequest struct {
	ClubID          string
	UserID          string
	PlanID          string
	SubscriptionRef string
	Now             time.Time
}

// Activate records a fresh or repeat purchase. The row is created or extended per
// NextValidUntil and set active.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*models.ClubMembership, error) {
	m, err := s.store.UpdateMembership(ctx, req.ClubID, req.UserID, func(current *models.ClubMembership) (*models.ClubMembership, error) {
		m := current
		from := models.MembershipNone
		if m == nil {
			m = &models.ClubMembership{ClubID: req.ClubID, UserID: req.UserID}
		} else {
			from = m.Status
		}
		if err := CanTransition(from, models.MembershipActive); err != nil {
			return nil, err
		}

		m.Status = models.MembershipActive
		m.ValidUntil = NextValidUntil(m.ValidUntil, req.Now)
		if req.PlanID != "" {
			m.PlanID = req.PlanID
		}
		if req.SubscriptionRef != "" {
			m.ExternalSubscriptionRef = req.SubscriptionRef
			m.NextPaymentAt = m.ValidUntil
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.LogMembership("ACTIVATE", req.ClubID+"/"+req.UserID, fmt.Sprintf("Active until %s", m.ValidUntil.Format(time.RFC3339)))
	s.events.MembershipChanged(ctx, events.MembershipActivated, m)
	return m, nil
}

// bySubscription runs fn on the row that currently carries subscriptionRef, under the
// member's lock.
func (s *Service) bySubscription(ctx context.Context, subscriptionRef string, fn func(m *models.ClubMembership) (*models.ClubMembership, error)) (*models.ClubMembership, error) {
	found, err := s.store.GetMembershipBySubscription(ctx, subscriptionRef)
	if err != nil {
		return nil, err
	}
	return s.store.UpdateMembership(ctx, found.ClubID, found.UserID, func(current *models.ClubMembership) (*models.ClubMembership, error) {
		if current == nil || current.ExternalSubscriptionRef != subscriptionRef {
			return nil, fmt.Errorf("membership for subscription %s: %w", subscriptionRef, apperr.ErrNotFound)
		}
		return fn(current)
	})
}

// RenewBySubscription applies a successful recurring charge.
func (s *Service) RenewBySubscription(ctx context.Context, subscriptionRef string, now time.Time) (*models.ClubMembership, error) {
	m, err := s.bySubscription(ctx, subscriptionRef, func(m *models.ClubMembership) (*models.ClubMembership, error) {
		if err := CanTransition(m.Status, models.MembershipActive); err != nil {
			return nil, err
		}
		m.Status = models.MembershipActive
		m.ValidUntil = NextValidUntil(m.ValidUntil, now)
		m.NextPaymentAt = m.ValidUntil
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.LogMembership("RENEW", m.ClubID+"/"+m.UserID, fmt.Sprintf("Renewed until %s", m.ValidUntil.Format(time.RFC3339)))
	s.events.MembershipChanged(ctx, events.MembershipRenewed, m)
	return m, nil
}

// ExpireBySubscription applies a failed recurring charge. An already expired row is left as is.
func (s *Service) ExpireBySubscription(ctx context.Context, subscriptionRef string) (*models.ClubMembership, error) {
	changed := false
	m, err := s.bySubscription(ctx, subscriptionRef, func(m *models.ClubMembership) (*models.ClubMembership, error) {
		if m.Status == models.MembershipExpired {
			return nil, nil
		}
		if err := CanTransition(m.Status, models.MembershipExpired); err != nil {
			return nil, err
		}
		m.Status = models.MembershipExpired
		changed = true
		return m, nil
	})
	if err != nil || !changed {
		return m, err
	}
	s.log.LogMembership("EXPIRE", m.ClubID+"/"+m.UserID, "Payment failed, membership expired")
	s.events.MembershipChanged(ctx, events.MembershipExpired, m)
	return m, nil
}

// ExpireLapsed marks every active membership whose validity ended before now as expired.
// It returns how many rows changed. A row renewed since it was listed is left alone.
func (s *Service) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := s.store.ListLapsedMemberships(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range lapsed {
		changed := false
		m, err := s.store.UpdateMembership(ctx, lapsed[i].ClubID, lapsed[i].UserID, func(m *models.ClubMembership) (*models.ClubMembership, error) {
			if m == nil || m.Status != models.MembershipActive || !m.ValidUntil.Before(now) {
				return nil, nil
			}
			m.Status = models.MembershipExpired
			changed = true
			return m, nil
		})
		if err != nil {
			s.log.Error("MEMBERSHIP", fmt.Sprintf("Failed to expire %s/%s: %v", lapsed[i].ClubID, lapsed[i].UserID, err))
			continue
		}
		if !changed {
			continue
		}
		expired++
		s.events.MembershipChanged(ctx, events.MembershipExpired, m)
	}
	if expired > 0 {
		s.log.LogMembership("EXPIRE_LAPSED", "cron", fmt.Sprintf("%d membership(s) expired", expired))
	}
	return expired, nil
}

// View is the read model for the UI.
type View struct {
	ClubID     string                  `json:"club_id"`
	UserID     string                  `json:"user_id"`
	Status     models.MembershipStatus `json:"status"`
	PlanID     string                  `json:"plan_id,omitempty"`
	ValidUntil *time.Time              `json:"valid_until,omitempty"`
	Recurring  bool                    `json:"recurring"`
}

// Status returns the membership as the UI shows it. A user without a row is reported as
// status "none" rather than as an error.
func (s *Service) Status(ctx context.Context, clubID, userID string, now time.Time) (View, error) {
	m, err := s.store.GetMembership(ctx, clubID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return View{ClubID: clubID, UserID: userID, Status: "none"}, nil
	}
	if err != nil {
		return View{}, err
	}

	status := m.Status
	// The cron job may not have run yet
	if status == models.MembershipActive && m.ValidUntil.Before(now) {
		status = models.MembershipExpired
	}
	validUntil := m.ValidUntil
	return View{
		ClubID:     m.ClubID,
		UserID:     m.UserID,
		Status:     status,
		PlanID:     m.PlanID,
		ValidUntil: &validUntil,
		Recurring:  m.ExternalSubscriptionRef != "",
	}, nil
}
