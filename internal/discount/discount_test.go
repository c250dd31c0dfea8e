package discount

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"ms-booking/internal/apperr"
	"ms-booking/internal/ledger/dbtest"
	"ms-booking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, codes ...*models.DiscountCode) *Service {
	t.Helper()
	ledger := dbtest.New(t)
	for _, c := range codes {
		require.NoError(t, ledger.CreateDiscount(context.Background(), c))
	}
	return NewService(ledger, nil)
}

func TestValidate(t *testing.T) {
	svc := seed(t,
		&models.DiscountCode{ClubID: "club-1", Code: "SUMMER", UsageLimit: 5, UsageCount: 2, PercentOff: 25, Active: true},
		&models.DiscountCode{ClubID: "club-1", Code: "USEDUP", UsageLimit: 1, UsageCount: 1, IsRedeemed: true, Active: true},
		&models.DiscountCode{ClubID: "club-1", Code: "OFF", UsageLimit: 5, Active: false},
	)
	ctx := context.Background()

	q, err := svc.Validate(ctx, "club-1", " summer ", 4000)
	require.NoError(t, err)
	assert.Equal(t, "SUMMER", q.Code)
	assert.Equal(t, int64(3000), q.DiscountedCents)
	assert.Equal(t, 3, q.Remaining)

	_, err = svc.Validate(ctx, "club-1", "USEDUP", 4000)
	assert.ErrorIs(t, err, apperr.ErrDiscountExhausted)

	_, err = svc.Validate(ctx, "club-1", "OFF", 4000)
	assert.ErrorIs(t, err, apperr.ErrDiscountExhausted)

	_, err = svc.Validate(ctx, "club-2", "SUMMER", 4000)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Validate(ctx, "club-1", "", 4000)
	assert.True(t, apperr.IsValidation(err))
}

func TestValidate_DoesNotConsume(t *testing.T) {
	svc := seed(t, &models.DiscountCode{ClubID: "club-1", Code: "ONCE", UsageLimit: 1, Active: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Validate(ctx, "club-1", "ONCE", 1000)
		require.NoError(t, err)
	}
	_, err := svc.Redeem(ctx, "club-1", "ONCE")
	require.NoError(t, err)
}

func TestLowercaseSeededCodeMatches(t *testing.T) {
	svc := seed(t, &models.DiscountCode{ClubID: "club-1", Code: " spring10 ", UsageLimit: 2, PercentOff: 10, Active: true})
	ctx := context.Background()

	q, err := svc.Validate(ctx, "club-1", "SPRING10", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), q.DiscountedCents)

	dc, err := svc.Redeem(ctx, "club-1", "spring10")
	require.NoError(t, err)
	assert.Equal(t, "SPRING10", dc.Code)
	assert.Equal(t, 1, dc.UsageCount)
}

func TestRedeem_LimitOneSingleWinner(t *testing.T) {
	svc := seed(t, &models.DiscountCode{ClubID: "club-1", Code: "SOLO", UsageLimit: 1, Active: true})
	ctx := context.Background()

	var wins, exhausted int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(ctx, "club-1", "SOLO")
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case assert.ErrorIs(t, err, apperr.ErrDiscountExhausted):
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(7), exhausted)

	q, err := svc.Validate(ctx, "club-1", "SOLO", 1000)
	assert.Nil(t, q)
	assert.ErrorIs(t, err, apperr.ErrDiscountExhausted)
}
