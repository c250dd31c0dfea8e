package course

import (
	"context"
	"testing"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/ledger/dbtest"
	"ms-booking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_FirstOccurrence(t *testing.T) {
	wednesday := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	evening := Clock{Hour: 18}
	late := Clock{Hour: 19, Minute: 30}

	tests := []struct {
		name    string
		weekday time.Weekday
		first   time.Time
	}{
		{"same day", time.Wednesday, time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)},
		{"later that week", time.Friday, time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC)},
		{"wraps to next week", time.Monday, time.Date(2024, 5, 6, 18, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions, err := Generate(wednesday, tt.weekday, evening, late, "court-1", 3, nil)
			require.NoError(t, err)
			require.Len(t, sessions, 3)

			assert.True(t, tt.first.Equal(sessions[0].StartTime), "got %s", sessions[0].StartTime)
			assert.Equal(t, 90*time.Minute, sessions[0].EndTime.Sub(sessions[0].StartTime))
			for i := 1; i < len(sessions); i++ {
				assert.Equal(t, 7*24*time.Hour, sessions[i].StartTime.Sub(sessions[i-1].StartTime))
				assert.Equal(t, "court-1", sessions[i].CourtID)
			}
		})
	}
}

func TestGenerate_KeepsWallClockAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	sessions, err := Generate(time.Date(2024, 3, 21, 0, 0, 0, 0, berlin), time.Thursday, Clock{Hour: 18}, Clock{Hour: 19}, "", 3, berlin)
	require.NoError(t, err)

	for _, s := range sessions {
		assert.Equal(t, 18, s.StartTime.In(berlin).Hour())
	}
	assert.Equal(t, 17, sessions[0].StartTime.UTC().Hour())
	assert.Equal(t, 16, sessions[2].StartTime.UTC().Hour())
}

func TestGenerate_Rejects(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := Generate(day, time.Monday, Clock{Hour: 10}, Clock{Hour: 9}, "court-1", 4, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = Generate(day, time.Monday, Clock{Hour: 10}, Clock{Hour: 11}, "court-1", 0, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = Generate(day, time.Monday, Clock{Hour: 10}, Clock{Hour: 11}, "court-1", MaxSessions+1, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestParseHelpers(t *testing.T) {
	c, err := ParseClock("07:45")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 7, Minute: 45}, c)
	assert.Equal(t, "07:45", c.String())

	_, err = ParseClock("7pm")
	assert.Error(t, err)

	for in, want := range map[string]time.Weekday{"monday": time.Monday, "Thu": time.Thursday, " SUNDAY ": time.Sunday} {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err = ParseWeekday("mo")
	assert.Error(t, err)
}

func TestService_ScheduleEnrollWithdraw(t *testing.T) {
	ledger := dbtest.New(t)
	svc := NewService(ledger, nil)
	ctx := context.Background()

	sessions, err := svc.Schedule(ctx, "course-1", ScheduleRequest{
		StartDate: "2024-05-01",
		Weekday:   "tuesday",
		StartTime: "17:00",
		EndTime:   "18:00",
		CourtID:   "court-2",
		Count:     4,
		Capacity:  1,
	})
	require.NoError(t, err)
	require.Len(t, sessions, 4)
	assert.True(t, time.Date(2024, 5, 7, 17, 0, 0, 0, time.UTC).Equal(sessions[0].StartTime))

	stored, err := ledger.GetCourseSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "course-1", stored.CourseID)
	assert.Equal(t, 1, stored.Capacity)

	first, err := svc.Enroll(ctx, sessions[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantConfirmed, first.Status)

	second, err := svc.Enroll(ctx, sessions[0].ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantWaitlist, second.Status)

	promoted, err := svc.Withdraw(ctx, sessions[0].ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "bob", promoted.UserID)

	_, err = svc.Withdraw(ctx, sessions[0].ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_ScheduleRejectsBadInput(t *testing.T) {
	svc := NewService(dbtest.New(t), nil)
	ctx := context.Background()

	base := ScheduleRequest{StartDate: "2024-05-01", Weekday: "monday", StartTime: "10:00", EndTime: "11:00", Count: 2}

	bad := base
	bad.StartDate = "01/05/2024"
	_, err := svc.Schedule(ctx, "course-1", bad)
	assert.True(t, apperr.IsValidation(err))

	bad = base
	bad.TimeZone = "Mars/Olympus"
	_, err = svc.Schedule(ctx, "course-1", bad)
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Schedule(ctx, "", base)
	assert.True(t, apperr.IsValidation(err))
}
