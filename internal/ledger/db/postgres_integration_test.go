//go:build integration

package db_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/ledger/db"
	"ms-booking/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func startPostgres(t *testing.T) *db.DB {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}

	ctx := context.Background()
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "booking",
				"POSTGRES_PASSWORD": "booking",
				"POSTGRES_DB":       "booking",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { pg.Terminate(ctx) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://booking:booking@%s:%s/booking?sslmode=disable", host, port.Port())
	sqldb, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { bunDB.Close() })

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: "../../../migrations"}, nil)
	require.NoError(t, runner.RunMigrations())

	return db.New(bunDB)
}

func TestPostgres_ConcurrentConfirmationsSingleWinner(t *testing.T) {
	ledger := startPostgres(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 8; i++ {
		b := &models.Booking{
			ID:            uuid.NewString(),
			ClubID:        "club-1",
			CourtID:       "court-1",
			UserID:        fmt.Sprintf("user-%d", i),
			StartTime:     start.Add(time.Duration(i) * 5 * time.Minute),
			EndTime:       start.Add(time.Hour + time.Duration(i)*5*time.Minute),
			Status:        models.BookingAwaitingPayment,
			PaymentStatus: models.PaymentUnpaid,
		}
		require.NoError(t, ledger.CreatePlaceholder(ctx, b))
		ids = append(ids, b.ID)
	}

	var wg sync.WaitGroup
	var confirmed int32
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := ledger.ConfirmBooking(ctx, id, models.PaymentPaidStripe, "pi_"+id); err == nil {
				atomic.AddInt32(&confirmed, 1)
			} else {
				assert.ErrorIs(t, err, apperr.ErrOverlap)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), confirmed)
}

func TestPostgres_ConcurrentRedemption(t *testing.T) {
	ledger := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, ledger.CreateDiscount(ctx, &models.DiscountCode{
		ClubID: "club-1", Code: "OPENING", UsageLimit: 3, PercentOff: 50, Active: true,
	}))

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.RedeemDiscount(ctx, "club-1", "OPENING"); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), successes)
	dc, err := ledger.GetDiscount(ctx, "club-1", "OPENING")
	require.NoError(t, err)
	assert.Equal(t, 3, dc.UsageCount)
	assert.True(t, dc.IsRedeemed)
}

func TestPostgres_ConcurrentMembershipExtensions(t *testing.T) {
	ledger := startPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive, ValidUntil: base,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.UpdateMembership(ctx, "club-1", "user-1", func(m *models.ClubMembership) (*models.ClubMembership, error) {
				m.ValidUntil = m.ValidUntil.AddDate(1, 0, 0)
				return m, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.True(t, base.AddDate(6, 0, 0).Equal(m.ValidUntil), "got %s", m.ValidUntil)
}

func TestPostgres_ConcurrentEnrollmentRespectsCapacity(t *testing.T) {
	ledger := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, ledger.InsertCourseSessions(ctx, []models.CourseSession{{
		ID:        "sess-1",
		CourseID:  "course-1",
		StartTime: time.Date(2024, 5, 6, 18, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 5, 6, 19, 0, 0, 0, time.UTC),
		Capacity:  3,
	}}))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Enroll(ctx, "sess-1", fmt.Sprintf("user-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ps, err := ledger.ListParticipants(ctx, "sess-1")
	require.NoError(t, err)
	confirmed := 0
	for _, p := range ps {
		if p.Status == models.ParticipantConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 3, confirmed)
	assert.Len(t, ps, 12)
}
