package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/discount"
	"ms-booking/internal/ledger/db"
	"ms-booking/internal/ledger/dbtest"
	"ms-booking/internal/membership"
	"ms-booking/internal/models"
	"ms-booking/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu        sync.Mutex
	trainer   []string
	confirmed []string
}

func (n *recordingNotifier) TrainerDecisionRequested(_ context.Context, b *models.Booking, trainerEmail string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trainer = append(n.trainer, trainerEmail+"|"+b.TrainerActionToken)
	return nil
}

func (n *recordingNotifier) BookingConfirmed(_ context.Context, b *models.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, b.ID)
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	types []string
}

func (s *recordingSink) BookingChanged(_ context.Context, eventType string, _ *models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, eventType)
}

func (s *recordingSink) MembershipChanged(_ context.Context, eventType string, _ *models.ClubMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, eventType)
}

type env struct {
	ledger   *db.DB
	notifier *recordingNotifier
	sink     *recordingSink
	handler  *Handler
	proc     *Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ledger := dbtest.New(t)
	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	proc := NewProcessor(ProcessorDeps{
		Ledger:      ledger,
		Memberships: membership.NewService(ledger, sink, nil),
		Discounts:   discount.NewService(ledger, nil),
		Notifier:    notifier,
		Events:      sink,
		DecisionTTL: 48 * time.Hour,
	}).WithClock(func() time.Time { return now })
	return &env{
		ledger:   ledger,
		notifier: notifier,
		sink:     sink,
		proc:     proc,
		handler:  NewHandler(NewVerifier(testSecret), proc, nil),
	}
}

func eventBody(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     now.Unix(),
		"data":        map[string]json.RawMessage{"object": obj},
	})
	require.NoError(t, err)
	return body
}

func (e *env) deliver(t *testing.T, body []byte) (int, map[string]interface{}) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: testSecret})
	return e.deliverWithHeader(t, body, signed.Header)
}

func (e *env) deliverWithHeader(t *testing.T, body []byte, header string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func session(id string, meta payment.Metadata, extra map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"id":       id,
		"object":   "checkout.session",
		"metadata": meta.Encode(),
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func subscriptionMeta() payment.Metadata {
	return payment.Metadata{Kind: payment.KindMembershipSubscription, ClubID: "club-1", ClubSlug: "tc-north", UserID: "user-1", PlanID: "yearly", PriceCents: 12000}
}

func courtMeta(bookingID string) payment.Metadata {
	return payment.Metadata{
		Kind:       payment.KindBooking,
		ClubID:     "club-1",
		ClubSlug:   "tc-north",
		BookingID:  bookingID,
		CourtID:    "court-1",
		GuestName:  "Guest",
		GuestEmail: "guest@example.com",
		Start:      time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC),
		PriceCents: 2400,
	}
}

func placeholder(t *testing.T, ledger *db.DB, meta payment.Metadata, status models.BookingStatus, sessionID string) {
	t.Helper()
	require.NoError(t, ledger.CreatePlaceholder(context.Background(), &models.Booking{
		ID:                 meta.BookingID,
		ClubID:             meta.ClubID,
		CourtID:            meta.CourtID,
		TrainerID:          meta.TrainerID,
		GuestName:          meta.GuestName,
		GuestEmail:         meta.GuestEmail,
		StartTime:          meta.Start,
		EndTime:            meta.End,
		Status:             status,
		PaymentStatus:      models.PaymentUnpaid,
		PricePaid:          meta.PriceCents,
		DiscountCode:       meta.DiscountCode,
		ExternalSessionRef: sessionID,
	}))
}

func TestHandler_RejectsBadSignatures(t *testing.T) {
	e := newEnv(t)
	body := eventBody(t, "evt_1", "checkout.session.completed", session("cs_1", subscriptionMeta(), map[string]interface{}{"subscription": "sub_1"}))

	code, _ := e.deliverWithHeader(t, body, "")
	assert.Equal(t, http.StatusBadRequest, code)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: "whsec_wrong"})
	code, _ = e.deliverWithHeader(t, body, forged.Header)
	assert.Equal(t, http.StatusBadRequest, code)

	_, err := e.ledger.GetMembership(context.Background(), "club-1", "user-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("").Verify([]byte("{}"), "t=1,v1=abc")
	assert.True(t, apperr.IsSignature(err))
}

func TestSubscriptionCheckout_ReplayIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := eventBody(t, "evt_sub_1", "checkout.session.completed", session("cs_sub_1", subscriptionMeta(), map[string]interface{}{"subscription": "sub_1"}))

	code, out := e.deliver(t, body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", out["outcome"])

	first, err := e.ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, first.Status)
	assert.True(t, now.AddDate(1, 0, 0).Equal(first.ValidUntil))
	assert.Equal(t, "sub_1", first.ExternalSubscriptionRef)

	code, out = e.deliver(t, body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "replay", out["outcome"])

	second, err := e.ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.True(t, first.ValidUntil.Equal(second.ValidUntil))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestOneTimeMembership_NoSubscriptionRef(t *testing.T) {
	e := newEnv(t)
	meta := subscriptionMeta()
	meta.Kind = payment.KindMembershipOneTime

	code, _ := e.deliver(t, eventBody(t, "evt_once", "checkout.session.completed", session("cs_once", meta, nil)))
	require.Equal(t, http.StatusOK, code)

	m, err := e.ledger.GetMembership(context.Background(), "club-1", "user-1")
	require.NoError(t, err)
	assert.Empty(t, m.ExternalSubscriptionRef)
	assert.Equal(t, models.MembershipActive, m.Status)
}

func TestCourtCheckout_ConfirmsPlaceholderAndRedeems(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.ledger.CreateDiscount(ctx, &models.DiscountCode{ClubID: "club-1", Code: "SUMMER", UsageLimit: 1, PercentOff: 10, Active: true}))
	meta := courtMeta("b-court")
	meta.DiscountCode = "SUMMER"
	placeholder(t, e.ledger, meta, models.BookingAwaitingPayment, "cs_court")

	code, out := e.deliver(t, eventBody(t, "evt_court", "checkout.session.completed", session("cs_court", meta, map[string]interface{}{"payment_intent": "pi_court"})))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", out["outcome"])

	b, err := e.ledger.GetBooking(ctx, "b-court")
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, b.Status)
	assert.Equal(t, models.PaymentPaidStripe, b.PaymentStatus)
	assert.Equal(t, "pi_court", b.ExternalChargeRef)

	dc, err := e.ledger.GetDiscount(ctx, "club-1", "SUMMER")
	require.NoError(t, err)
	assert.Equal(t, 1, dc.UsageCount)
	assert.True(t, dc.IsRedeemed)

	assert.Equal(t, []string{"b-court"}, e.notifier.confirmed)
	assert.Contains(t, e.sink.types, "booking.confirmed")
}

func TestCourtCheckout_WithoutPlaceholderInsertsConfirmed(t *testing.T) {
	e := newEnv(t)
	meta := courtMeta("b-legacy")

	code, _ := e.deliver(t, eventBody(t, "evt_legacy", "checkout.session.completed", session("cs_legacy", meta, map[string]interface{}{
		"payment_intent": map[string]interface{}{"id": "pi_legacy", "object": "payment_intent"},
	})))
	require.Equal(t, http.StatusOK, code)

	b, err := e.ledger.GetBooking(context.Background(), "b-legacy")
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, b.Status)
	assert.Equal(t, "pi_legacy", b.ExternalChargeRef)
	assert.Equal(t, "cs_legacy", b.ExternalSessionRef)
}

func TestCourtCheckout_OverlapIsRefused(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.ledger.CreateConfirmedBooking(ctx, &models.Booking{
		ID: "cash", ClubID: "club-1", CourtID: "court-1", UserID: "user-9", PaymentStatus: models.PaymentPaidCash,
		StartTime: time.Date(2025, 6, 10, 10, 30, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 6, 10, 11, 30, 0, 0, time.UTC),
	}))
	// Without a placeholder the paid slot collides with the cash booking
	meta := courtMeta("b-late")
	_, err := e.proc.Process(ctx, CheckoutCompleted{ID: "evt_late", SessionID: "cs_late", PaymentIntentID: "pi_late", Metadata: meta})
	assert.ErrorIs(t, err, apperr.ErrOverlap)

	_, err = e.ledger.GetBooking(ctx, "b-late")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// The failed claim was released
	claimed, err := e.ledger.ClaimEvent(ctx, "checkout.booking:cs_late", "test")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestTrainerCheckout_HoldsAndAsksTrainer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	meta := courtMeta("b-trainer")
	meta.CourtID = ""
	meta.TrainerID = "trainer-9"
	meta.TrainerEmail = "coach@example.com"
	placeholder(t, e.ledger, meta, models.BookingPendingTrainer, "cs_trainer")

	code, _ := e.deliver(t, eventBody(t, "evt_trainer", "checkout.session.completed", session("cs_trainer", meta, map[string]interface{}{"payment_intent": "pi_hold"})))
	require.Equal(t, http.StatusOK, code)

	b, err := e.ledger.GetBooking(ctx, "b-trainer")
	require.NoError(t, err)
	assert.Equal(t, models.BookingPendingTrainer, b.Status)
	assert.Equal(t, models.PaymentUnpaid, b.PaymentStatus)
	assert.Equal(t, "pi_hold", b.ExternalChargeRef)
	assert.NotEmpty(t, b.TrainerActionToken)
	assert.True(t, now.Add(48*time.Hour).Equal(b.TrainerActionExpiresAt))

	payout, err := e.ledger.GetPayoutByBooking(ctx, "b-trainer")
	require.NoError(t, err)
	assert.Equal(t, int64(2400), payout.AmountCents)

	require.Len(t, e.notifier.trainer, 1)
	assert.Equal(t, "coach@example.com|"+b.TrainerActionToken, e.notifier.trainer[0])
	assert.Empty(t, e.notifier.confirmed)
}

func TestMalformedMetadata_IsAcknowledged(t *testing.T) {
	e := newEnv(t)
	meta := courtMeta("b-bad")
	raw := meta.Encode()
	raw["start"] = "yesterday"

	code, out := e.deliver(t, eventBody(t, "evt_bad", "checkout.session.completed", map[string]interface{}{
		"id": "cs_bad", "object": "checkout.session", "metadata": raw,
	}))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "invalid", out["outcome"])

	_, err := e.ledger.GetBooking(context.Background(), "b-bad")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInvoiceEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-1", Status: models.MembershipActive,
		ValidUntil: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ExternalSubscriptionRef: "sub_1",
	}))

	// The first invoice belongs to the checkout that created the subscription
	code, out := e.deliver(t, eventBody(t, "evt_inv_0", "invoice.payment_succeeded", map[string]interface{}{
		"id": "in_0", "object": "invoice", "subscription": "sub_1", "billing_reason": "subscription_create",
	}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", out["outcome"])

	code, out = e.deliver(t, eventBody(t, "evt_inv_1", "invoice.payment_succeeded", map[string]interface{}{
		"id": "in_1", "object": "invoice", "billing_reason": "subscription_cycle",
		"parent": map[string]interface{}{"subscription_details": map[string]interface{}{"subscription": "sub_1"}},
	}))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", out["outcome"])

	m, err := e.ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.True(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).Equal(m.ValidUntil))

	code, _ = e.deliver(t, eventBody(t, "evt_inv_2", "invoice.payment_failed", map[string]interface{}{
		"id": "in_2", "object": "invoice", "subscription": "sub_1",
	}))
	require.Equal(t, http.StatusOK, code)

	m, err = e.ledger.GetMembership(ctx, "club-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipExpired, m.Status)
}

func TestInvoiceFailure_ReleasesClaimForRedelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := eventBody(t, "evt_early", "invoice.payment_succeeded", map[string]interface{}{
		"id": "in_9", "object": "invoice", "subscription": "sub_9", "billing_reason": "subscription_cycle",
	})

	code, out := e.deliver(t, body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", out["outcome"])

	require.NoError(t, e.ledger.UpsertMembership(ctx, &models.ClubMembership{
		ClubID: "club-1", UserID: "user-9", Status: models.MembershipActive,
		ValidUntil: now.AddDate(0, 1, 0), ExternalSubscriptionRef: "sub_9",
	}))

	_, out = e.deliver(t, body)
	assert.Equal(t, "applied", out["outcome"])
}

func TestCheckoutExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	meta := courtMeta("b-abandoned")
	placeholder(t, e.ledger, meta, models.BookingAwaitingPayment, "cs_abandoned")

	code, out := e.deliver(t, eventBody(t, "evt_exp", "checkout.session.expired", session("cs_abandoned", meta, nil)))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", out["outcome"])

	_, err := e.ledger.GetBooking(ctx, "b-abandoned")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, e.sink.types, "booking.expired")

	// A confirmed booking is never removed by an expiry
	confirmed := courtMeta("b-kept")
	confirmed.Start = confirmed.Start.Add(24 * time.Hour)
	confirmed.End = confirmed.End.Add(24 * time.Hour)
	placeholder(t, e.ledger, confirmed, models.BookingAwaitingPayment, "cs_kept")
	_, err = e.ledger.ConfirmBooking(ctx, "b-kept", models.PaymentPaidStripe, "pi_kept")
	require.NoError(t, err)

	_, out = e.deliver(t, eventBody(t, "evt_exp_2", "checkout.session.expired", session("cs_kept", confirmed, nil)))
	assert.Equal(t, "ignored", out["outcome"])

	b, err := e.ledger.GetBooking(ctx, "b-kept")
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, b.Status)
}

func TestUnhandledEventIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	code, out := e.deliver(t, eventBody(t, "evt_other", "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"}))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", out["outcome"])
}

func TestParse_SubscriptionCheckoutNeedsSubscription(t *testing.T) {
	raw, err := json.Marshal(session("cs_x", subscriptionMeta(), nil))
	require.NoError(t, err)

	_, err = Parse(stripe.Event{ID: "evt_x", Type: "checkout.session.completed", Data: &stripe.EventData{Raw: raw}})
	assert.True(t, apperr.IsValidation(err))
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "checkout.membership_subscription:cs_1", IdempotencyKey(CheckoutCompleted{ID: "evt_1", SessionID: "cs_1", Metadata: subscriptionMeta()}))
	assert.Equal(t, "invoice:evt_2", IdempotencyKey(InvoicePaymentFailed{ID: "evt_2", InvoiceID: "in_2"}))
	assert.Equal(t, "checkout.expired:cs_3", IdempotencyKey(CheckoutExpired{ID: "evt_3", SessionID: "cs_3"}))
}
