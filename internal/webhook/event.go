package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/payment"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event is the closed set of payment authority events the processor understands.
type Event interface {
	EventID() string
	isEvent()
}

type CheckoutCompleted struct {
	ID              string
	SessionID       string
	PaymentIntentID string
	SubscriptionRef string
	Metadata        payment.Metadata
}

type CheckoutExpired struct {
	ID        string
	SessionID string
	// BookingID is empty for membership sessions.
	BookingID string
}

type InvoicePaymentSucceeded struct {
	ID              string
	InvoiceID       string
	SubscriptionRef string
	BillingReason   string
}

type InvoicePaymentFailed struct {
	ID              string
	InvoiceID       string
	SubscriptionRef string
}

// Unhandled is acknowledged without effect.
type Unhandled struct {
	ID   string
	Type string
}

func (e CheckoutCompleted) EventID() string       { return e.ID }
func (e CheckoutExpired) EventID() string         { return e.ID }
func (e InvoicePaymentSucceeded) EventID() string { return e.ID }
func (e InvoicePaymentFailed) EventID() string    { return e.ID }
func (e Unhandled) EventID() string               { return e.ID }

func (CheckoutCompleted) isEvent()       {}
func (CheckoutExpired) isEvent()         {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (Unhandled) isEvent()               {}

// Verifier authenticates raw webhook deliveries.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify checks the signature header against the raw body and decodes the envelope. Every
// failure is a *apperr.SignatureError and nothing has been looked at yet.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, &apperr.SignatureError{Reason: "webhook secret not configured"}
	}
	if signatureHeader == "" {
		return stripe.Event{}, &apperr.SignatureError{Reason: "missing Stripe-Signature header"}
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &apperr.SignatureError{Reason: "verification failed", Err: err}
	}
	return event, nil
}

// expandable reads a field the API sends either as an id string or as an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type sessionObject struct {
	ID            string            `json:"id"`
	PaymentIntent expandable        `json:"payment_intent"`
	Subscription  expandable        `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string     `json:"id"`
	BillingReason string     `json:"billing_reason"`
	Subscription  expandable `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (o invoiceObject) subscriptionRef() string {
	if o.Subscription != "" {
		return string(o.Subscription)
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// Parse maps a verified event onto the closed Event set. Authenticated events with a payload
// that cannot be used yield *apperr.ValidationError.
func Parse(event stripe.Event) (Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		var s sessionObject
		if err := decodeObject(event, &s); err != nil {
			return nil, err
		}
		meta, err := payment.DecodeMetadata(s.Metadata)
		if err != nil {
			return nil, err
		}
		if meta.Kind == payment.KindMembershipSubscription && s.Subscription == "" {
			return nil, apperr.Validation("subscription", "subscription checkout without subscription")
		}
		return CheckoutCompleted{
			ID:              event.ID,
			SessionID:       s.ID,
			PaymentIntentID: string(s.PaymentIntent),
			SubscriptionRef: string(s.Subscription),
			Metadata:        meta,
		}, nil

	case "checkout.session.expired":
		var s sessionObject
		if err := decodeObject(event, &s); err != nil {
			return nil, err
		}
		out := CheckoutExpired{ID: event.ID, SessionID: s.ID}
		if payment.Kind(s.Metadata["kind"]) == payment.KindBooking {
			out.BookingID = s.Metadata["booking_id"]
		}
		return out, nil

	case "invoice.payment_succeeded":
		var inv invoiceObject
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			return nil, apperr.Validation("subscription", "invoice without subscription")
		}
		return InvoicePaymentSucceeded{ID: event.ID, InvoiceID: inv.ID, SubscriptionRef: ref, BillingReason: inv.BillingReason}, nil

	case "invoice.payment_failed":
		var inv invoiceObject
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			return nil, apperr.Validation("subscription", "invoice without subscription")
		}
		return InvoicePaymentFailed{ID: event.ID, InvoiceID: inv.ID, SubscriptionRef: ref}, nil
	}

	return Unhandled{ID: event.ID, Type: string(event.Type)}, nil
}

func decodeObject(event stripe.Event, into interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return apperr.Validation("data", fmt.Sprintf("%s without object", event.Type))
	}
	if err := json.Unmarshal(event.Data.Raw, into); err != nil {
		return apperr.Validation("data", fmt.Sprintf("%s: %v", event.Type, err))
	}
	return nil
}
