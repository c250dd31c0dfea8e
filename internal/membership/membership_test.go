package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/ledger/db"
	"ms-booking/internal/ledger/dbtest"
	"ms-booking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextValidUntil(t *testing.T) {
	tests := []struct {
		name     string
		existing time.Time
		now      time.Time
		want     time.Time
	}{
		{"lapsed window extends from now", date(2025, 1, 1), date(2025, 6, 1), date(2026, 6, 1)},
		{"running window extends from its end", date(2026, 1, 1), date(2025, 6, 1), date(2027, 1, 1)},
		{"no previous window", time.Time{}, date(2025, 6, 1), date(2026, 6, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(NextValidUntil(tt.existing, tt.now)), "got %s", NextValidUntil(tt.existing, tt.now))
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.MembershipStatus{
		{models.MembershipNone, models.MembershipActive},
		{models.MembershipActive, models.MembershipActive},
		{models.MembershipActive, models.MembershipExpired},
		{models.MembershipExpired, models.MembershipActive},
	}
	for _, tr := range allowed {
		assert.NoError(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]models.MembershipStatus{
		{models.MembershipNone, models.MembershipExpired},
		{models.MembershipPaused, models.MembershipActive},
		{models.MembershipActive, models.MembershipPaused},
		{models.MembershipExpired, models.MembershipExpired},
	}
	for _, tr := range denied {
		assert.ErrorIs(t, CanTransition(tr[0], tr[1]), apperr.ErrStateConflict, "%s -> %s", tr[0], tr[1])
	}
}

func TestActivate_CreatesAndExtends(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	m, err := svc.Activate(ctx, ActivateRequest{ClubID: "club-1", UserID: "user-1", PlanID: "yearly", SubscriptionRef: "sub_1", Now: date(2025, 6, 1)})
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, m.Status)
	assert.True(t, date(2026, 6, 1).Equal(m.ValidUntil))

	// A repeat purchase while still valid stacks on top of the running year
	m, err = svc.Activate(ctx, ActivateRequest{ClubID: "club-1", UserID: "user-1", Now: date(2025, 9, 1)})
	require.NoError(t, err)
	assert.True(t, date(2027, 6, 1).Equal(m.ValidUntil))

	stored, err := ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "yearly", stored.PlanID)
	assert.Equal(t, "sub_1", stored.ExternalSubscriptionRef)
}

func TestActivate_PausedIsConflict(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipPaused, ValidUntil: date(2026, 1, 1),
	}))

	_, err := svc.Activate(ctx, ActivateRequest{ClubID: "club-1", UserID: "user-1", Now: date(2025, 6, 1)})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestRenewBySubscription(t *testing.T) {
	tests := []struct {
		name     string
		existing time.Time
		want     time.Time
	}{
		{"base is now", date(2025, 1, 1), date(2026, 6, 1)},
		{"base is existing", date(2026, 1, 1), date(2027, 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := dbtest.New(t)
			svc := NewService(ledger, nil, nil)
			ctx := context.Background()

			require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
				ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive,
				ValidUntil: tt.existing, ExternalSubscriptionRef: "sub_1",
			}))

			m, err := svc.RenewBySubscription(ctx, "sub_1", date(2025, 6, 1))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(m.ValidUntil), "got %s", m.ValidUntil)

			stored, err := ledger.GetMembership(ctx, "club-1", "user-1")
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(stored.ValidUntil))
		})
	}
}

// purchaseDuringLookup commits a one-time purchase right after the subscription lookup, before
// the renewal writes.
type purchaseDuringLookup struct {
	*db.DB
	purchase func()
}

func (s *purchaseDuringLookup) GetMembershipBySubscription(ctx context.Context, ref string) (*models.ClubMembership, error) {
	m, err := s.DB.GetMembershipBySubscription(ctx, ref)
	if err == nil && s.purchase != nil {
		fn := s.purchase
		s.purchase = nil
		fn()
	}
	return m, err
}

func TestRenewBySubscription_PurchaseInBetweenKeepsBothYears(t *testing.T) {
	ledger := dbtest.New(t)
	ctx := context.Background()
	now := date(2025, 6, 1)

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive,
		ValidUntil: date(2026, 6, 1), ExternalSubscriptionRef: "sub_1",
	}))

	purchases := NewService(ledger, nil, nil)
	store := &purchaseDuringLookup{DB: ledger, purchase: func() {
		_, err := purchases.Activate(ctx, ActivateRequest{ClubID: "club-1", UserID: "user-1", Now: now})
		require.NoError(t, err)
	}}

	m, err := NewService(store, nil, nil).RenewBySubscription(ctx, "sub_1", now)
	require.NoError(t, err)
	assert.True(t, date(2028, 6, 1).Equal(m.ValidUntil), "got %s", m.ValidUntil)

	stored, err := ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.True(t, date(2028, 6, 1).Equal(stored.ValidUntil), "got %s", stored.ValidUntil)
	assert.Equal(t, "sub_1", stored.ExternalSubscriptionRef)
}

func TestConcurrentExtensionsAllCount(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	now := date(2025, 6, 1)

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive,
		ValidUntil: date(2026, 6, 1), ExternalSubscriptionRef: "sub_1",
	}))

	const each = 4
	var wg sync.WaitGroup
	errs := make(chan error, 2*each)
	for i := 0; i < each; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Activate(ctx, ActivateRequest{ClubID: "club-1", UserID: "user-1", Now: now})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.RenewBySubscription(ctx, "sub_1", now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.True(t, date(2034, 6, 1).Equal(stored.ValidUntil), "got %s", stored.ValidUntil)
}

func TestRenewBySubscription_Reactivates(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipExpired,
		ValidUntil: date(2025, 1, 1), ExternalSubscriptionRef: "sub_1",
	}))

	m, err := svc.RenewBySubscription(ctx, "sub_1", date(2025, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, m.Status)

	_, err = svc.RenewBySubscription(ctx, "sub_unknown", date(2025, 6, 1))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExpireBySubscription(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive,
		ValidUntil: date(2026, 1, 1), ExternalSubscriptionRef: "sub_1",
	}))

	m, err := svc.ExpireBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipExpired, m.Status)
	// Validity is kept for the record
	assert.True(t, date(2026, 1, 1).Equal(m.ValidUntil))

	// A second failed charge is a no-op
	m, err = svc.ExpireBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipExpired, m.Status)
}

func TestExpireLapsedAndStatus(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	now := date(2025, 6, 1)

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "lapsed", Status: models.MembershipActive, ValidUntil: date(2025, 5, 1),
	}))
	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "valid", Status: models.MembershipActive, ValidUntil: date(2025, 12, 1),
	}))

	// Before the cron run the read side already reports the lapse
	view, err := svc.Status(ctx, "club-1", "lapsed", now)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipExpired, view.Status)

	n, err := svc.ExpireLapsed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := ledger.GetMembership(ctx, "club-1", "lapsed")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipExpired, stored.Status)

	view, err = svc.Status(ctx, "club-1", "valid", now)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, view.Status)
	assert.False(t, view.Recurring)

	view, err = svc.Status(ctx, "club-1", "nobody", now)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatus("none"), view.Status)
	assert.Nil(t, view.ValidUntil)
}
