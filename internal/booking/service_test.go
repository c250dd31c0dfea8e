package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/ledger/db"
	"ms-booking/internal/ledger/dbtest"
	"ms-booking/internal/membership"
	"ms-booking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	expired []string
	fail    map[string]bool
}

func (f *fakeSessions) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	if f.fail[sessionID] {
		return errors.New("session already complete")
	}
	f.expired = append(f.expired, sessionID)
	return nil
}

type fakeHolds struct {
	released []string
}

func (f *fakeHolds) ExpireHold(_ context.Context, b *models.Booking) error {
	f.released = append(f.released, b.ID)
	return nil
}

func slot(hour int) (time.Time, time.Time) {
	start := time.Date(2025, 6, 10, hour, 0, 0, 0, time.UTC)
	return start, start.Add(time.Hour)
}

func activeMember(t *testing.T, ledger *db.DB, clubID, userID string, validUntil time.Time) {
	t.Helper()
	require.NoError(t, ledger.UpsertMembership(context.Background(), &models.ClubMembership{
		ClubID: clubID, UserID: userID, Status: models.MembershipActive, ValidUntil: validUntil,
	}))
}

func TestCreateCashAndCancel(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(Deps{Store: ledger, Memberships: membership.NewService(ledger, nil, nil)}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()
	activeMember(t, ledger, "club-1", "user-2", now.AddDate(0, 6, 0))

	start, end := slot(10)
	b, err := svc.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-1", UserID: "user-1", Start: start, End: end, PriceCents: 1800})
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, b.Status)
	assert.Equal(t, models.PaymentPaidCash, b.PaymentStatus)

	_, err = svc.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-1", UserID: "user-2", Start: start.Add(30 * time.Minute), End: end.Add(30 * time.Minute), Member: true})
	assert.ErrorIs(t, err, apperr.ErrOverlap)

	view, err := svc.Status(ctx, "club-1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, view.Status)

	_, err = svc.Status(ctx, "club-2", b.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	cancelled, err := svc.Cancel(ctx, "club-1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, "club-1", b.ID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	// The slot is free again
	member, err := svc.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-1", UserID: "user-2", Start: start, End: end, Member: true})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidMember, member.PaymentStatus)

	list, err := svc.ListForOwner(ctx, "club-1", "user-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateCash_MemberNeedsActiveMembership(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(Deps{Store: ledger, Memberships: membership.NewService(ledger, nil, nil)}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()
	start, end := slot(14)

	activeMember(t, ledger, "club-1", "lapsed", now.Add(-time.Hour))
	activeMember(t, ledger, "club-2", "elsewhere", now.AddDate(1, 0, 0))
	activeMember(t, ledger, "club-1", "member", now.AddDate(1, 0, 0))

	for _, user := range []string{"stranger", "lapsed", "elsewhere"} {
		_, err := svc.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-1", UserID: user, Start: start, End: end, Member: true})
		assert.ErrorIs(t, err, apperr.ErrStateConflict, user)
	}

	list, err := ledger.ListBookingsForOwner(ctx, "club-1", "stranger")
	require.NoError(t, err)
	assert.Empty(t, list)

	b, err := svc.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-1", UserID: "member", Start: start, End: end, Member: true})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidMember, b.PaymentStatus)

	// Without a membership ledger nobody books as a member
	bare := NewService(Deps{Store: ledger})
	_, err = bare.CreateCash(ctx, CashRequest{ClubID: "club-1", CourtID: "court-2", UserID: "member", Start: start, End: end, Member: true})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestCreateCash_Rejects(t *testing.T) {
	svc := NewService(Deps{Store: dbtest.New(t)})
	start, end := slot(9)

	tests := []struct {
		name string
		req  CashRequest
	}{
		{"no court", CashRequest{ClubID: "club-1", UserID: "u", Start: start, End: end}},
		{"no owner", CashRequest{ClubID: "club-1", CourtID: "c", Start: start, End: end}},
		{"empty window", CashRequest{ClubID: "club-1", CourtID: "c", UserID: "u", Start: start, End: start}},
		{"member guest", CashRequest{ClubID: "club-1", CourtID: "c", GuestEmail: "g@example.com", Start: start, End: end, Member: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCash(context.Background(), tt.req)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
}

func placeholder(t *testing.T, ledger *db.DB, id, sessionID string, hour int, createdAt time.Time) {
	t.Helper()
	start, end := slot(hour)
	require.NoError(t, ledger.CreatePlaceholder(context.Background(), &models.Booking{
		ID: id, ClubID: "club-1", CourtID: "court-1", UserID: "user-1",
		StartTime: start, EndTime: end,
		Status: models.BookingAwaitingPayment, PaymentStatus: models.PaymentUnpaid,
		ExternalSessionRef: sessionID, CreatedAt: createdAt,
	}))
}

func TestCleanup(t *testing.T) {
	ledger := dbtest.New(t)
	sessions := &fakeSessions{fail: map[string]bool{"cs_paid": true}}
	holds := &fakeHolds{}
	svc := NewService(Deps{Store: ledger, Sessions: sessions, Holds: holds, PlaceholderTTL: 30 * time.Minute}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	placeholder(t, ledger, "old", "cs_old", 8, now.Add(-time.Hour))
	placeholder(t, ledger, "paid", "cs_paid", 9, now.Add(-time.Hour))
	placeholder(t, ledger, "fresh", "cs_fresh", 10, now.Add(-5*time.Minute))

	start, end := slot(14)
	require.NoError(t, ledger.CreatePlaceholder(ctx, &models.Booking{
		ID: "held", ClubID: "club-1", TrainerID: "trainer-1", UserID: "user-1",
		StartTime: start, EndTime: end,
		Status: models.BookingPendingTrainer, PaymentStatus: models.PaymentUnpaid,
	}))
	require.NoError(t, ledger.MarkTrainerPending(ctx, "held", "pi_held", "tok", now.Add(-time.Minute)))

	report, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Placeholders: 1, TrainerHolds: 1, Failed: 1}, report)
	assert.Equal(t, []string{"cs_old"}, sessions.expired)
	assert.Equal(t, []string{"held"}, holds.released)

	_, err = ledger.GetBooking(ctx, "old")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	for _, id := range []string{"paid", "fresh"} {
		_, err = ledger.GetBooking(ctx, id)
		assert.NoError(t, err, id)
	}
}
