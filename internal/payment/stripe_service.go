package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	client *client.API
	retry  RetryPolicy
	log    *logger.Logger
}

// NewStripeGateway builds a gateway from an explicit key. backends may be nil to use the
// default Stripe endpoints; tests pass backends pointing at a local server.
func NewStripeGateway(secretKey string, backends *stripe.Backends, retry RetryPolicy, log *logger.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		log.Error("STRIPE", "Stripe secret key not configured")
		return nil, ErrStripeClientInitFailed
	}

	if backends == nil {
		// The gateway's RetryPolicy is the only retry layer.
		cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
		backends = &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
		}
	}

	sc := client.New(secretKey, backends)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{client: sc, retry: retry, log: log}, nil
}

// CreateCheckoutSession opens a hosted checkout. It is not retried: a duplicate session would
// be visible to the payer, so failures surface immediately and nothing is written locally.
func (s *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	started := time.Now()
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: invalid amount %d", ErrStripeAPIError, req.AmountCents)
	}

	meta := req.Metadata.Encode()
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(req.Currency),
		UnitAmount: stripe.Int64(req.AmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(req.ProductName),
		},
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(req.Mode)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	switch req.Mode {
	case ModeSubscription:
		interval := req.RecurringInterval
		if interval == "" {
			interval = string(stripe.PriceRecurringIntervalYear)
		}
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(interval),
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	default:
		pi := &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
		if req.ManualCapture {
			pi.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
		}
		params.PaymentIntentData = pi
	}

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		metrics.ObservePaymentCall("checkout_create", "error", time.Since(started).Seconds())
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session (kind %s): %v", req.Metadata.Kind, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	metrics.ObservePaymentCall("checkout_create", "ok", time.Since(started).Seconds())

	s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s created (kind %s, manual capture %t)", sess.ID, req.Metadata.Kind, req.ManualCapture))
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (s *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := s.client.CheckoutSessions.Expire(sessionID, params); err != nil {
		s.log.Warn("STRIPE", fmt.Sprintf("Failed to expire checkout session %s: %v", sessionID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s expired", sessionID))
	return nil
}

func (s *StripeGateway) CaptureHold(ctx context.Context, paymentIntentID string) error {
	return s.withRetry(ctx, "capture", paymentIntentID, func(ctx context.Context) error {
		params := &stripe.PaymentIntentCaptureParams{}
		params.Context = ctx
		params.SetIdempotencyKey("capture-" + paymentIntentID)
		_, err := s.client.PaymentIntents.Capture(paymentIntentID, params)
		return err
	})
}

func (s *StripeGateway) VoidHold(ctx context.Context, paymentIntentID string) error {
	return s.withRetry(ctx, "void", paymentIntentID, func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey("void-" + paymentIntentID)
		_, err := s.client.PaymentIntents.Cancel(paymentIntentID, params)
		return err
	})
}

func (s *StripeGateway) withRetry(ctx context.Context, op, paymentIntentID string, fn func(ctx context.Context) error) error {
	if paymentIntentID == "" {
		return fmt.Errorf("%w: %s without payment intent", ErrStripeAPIError, op)
	}

	started := time.Now()
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			s.log.Warn("STRIPE", fmt.Sprintf("%s of %s failed: %v", op, paymentIntentID, err))
		}
		return err
	})
	if err != nil {
		metrics.ObservePaymentCall(op, "error", time.Since(started).Seconds())
		s.log.Error("STRIPE", fmt.Sprintf("Giving up on %s of %s: %v", op, paymentIntentID, err))
		return err
	}

	metrics.ObservePaymentCall(op, "ok", time.Since(started).Seconds())
	s.log.Info("STRIPE", fmt.Sprintf("%s of %s succeeded", op, paymentIntentID))
	return nil
}
