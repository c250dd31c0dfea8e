package payment

import (
	"context"
)

type CheckoutMode string

const (
	ModePayment      CheckoutMode = "payment"
	ModeSubscription CheckoutMode = "subscription"
)

// CheckoutRequest describes one hosted checkout session.
type CheckoutRequest struct {
	Mode          CheckoutMode
	ManualCapture bool
	AmountCents   int64
	Currency      string
	ProductName   string
	CustomerEmail string
	// RecurringInterval is used in subscription mode, e.g. "year".
	RecurringInterval string
	SuccessURL        string
	CancelURL         string
	Metadata          Metadata
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway is the payment authority as seen by the checkout initiator and the trainer gateway.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	// CaptureHold collects an authorization hold. Retries are bounded; exhaustion or a
	// terminal refusal returns *apperr.UpstreamError.
	CaptureHold(ctx context.Context, paymentIntentID string) error
	// VoidHold releases an authorization hold with the same retry rules as CaptureHold.
	VoidHold(ctx context.Context, paymentIntentID string) error
}
