package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ms-booking/internal/apperr"
)

// Kind tells the webhook processor which ledger a completed checkout belongs to.
type Kind string

const (
	KindBooking                Kind = "booking"
	KindMembershipSubscription Kind = "membership_subscription"
	KindMembershipOneTime      Kind = "membership_one_time"
)

func (k Kind) IsMembership() bool {
	return k == KindMembershipSubscription || k == KindMembershipOneTime
}

const (
	keyKind         = "kind"
	keyClubID       = "club_id"
	keyClubSlug     = "club_slug"
	keyBookingID    = "booking_id"
	keyCourtID      = "court_id"
	keyTrainerID    = "trainer_id"
	keyTrainerEmail = "trainer_email"
	keyUserID       = "user_id"
	keyGuestName    = "guest_name"
	keyGuestEmail   = "guest_email"
	keyPlanID       = "plan_id"
	keyStart        = "start"
	keyEnd          = "end"
	keyPriceCents   = "price_cents"
	keyDiscountCode = "discount_code"
)

// Metadata is everything the webhook processor needs to finish a checkout. It travels through
// the payment authority as a flat string map.
type Metadata struct {
	Kind         Kind
	ClubID       string
	ClubSlug     string
	BookingID    string
	CourtID      string
	TrainerID    string
	TrainerEmail string
	UserID       string
	GuestName    string
	GuestEmail   string
	PlanID       string
	Start        time.Time
	End          time.Time
	PriceCents   int64
	DiscountCode string
}

// Encode flattens m into the string map attached to the checkout session. Empty fields are left out.
func (m Metadata) Encode() map[string]string {
	out := map[string]string{
		keyKind:       string(m.Kind),
		keyClubID:     m.ClubID,
		keyPriceCents: strconv.FormatInt(m.PriceCents, 10),
	}
	put := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	put(keyClubSlug, m.ClubSlug)
	put(keyBookingID, m.BookingID)
	put(keyCourtID, m.CourtID)
	put(keyTrainerID, m.TrainerID)
	put(keyTrainerEmail, m.TrainerEmail)
	put(keyUserID, m.UserID)
	put(keyGuestName, m.GuestName)
	put(keyGuestEmail, m.GuestEmail)
	put(keyPlanID, m.PlanID)
	put(keyDiscountCode, m.DiscountCode)
	if !m.Start.IsZero() {
		out[keyStart] = m.Start.UTC().Format(time.RFC3339)
	}
	if !m.End.IsZero() {
		out[keyEnd] = m.End.UTC().Format(time.RFC3339)
	}
	return out
}

// DecodeMetadata rebuilds Metadata from a session's metadata map. Any missing or malformed
// field rejects the whole map with a *apperr.ValidationError.
func DecodeMetadata(raw map[string]string) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, apperr.Validation("metadata", "empty")
	}

	m := Metadata{
		Kind:         Kind(strings.TrimSpace(raw[keyKind])),
		ClubID:       strings.TrimSpace(raw[keyClubID]),
		ClubSlug:     strings.TrimSpace(raw[keyClubSlug]),
		BookingID:    strings.TrimSpace(raw[keyBookingID]),
		CourtID:      strings.TrimSpace(raw[keyCourtID]),
		TrainerID:    strings.TrimSpace(raw[keyTrainerID]),
		TrainerEmail: strings.TrimSpace(raw[keyTrainerEmail]),
		UserID:       strings.TrimSpace(raw[keyUserID]),
		GuestName:    strings.TrimSpace(raw[keyGuestName]),
		GuestEmail:   strings.TrimSpace(raw[keyGuestEmail]),
		PlanID:       strings.TrimSpace(raw[keyPlanID]),
		DiscountCode: strings.TrimSpace(raw[keyDiscountCode]),
	}

	switch m.Kind {
	case KindBooking, KindMembershipSubscription, KindMembershipOneTime:
	case "":
		return Metadata{}, apperr.Validation(keyKind, "missing")
	default:
		return Metadata{}, apperr.Validation(keyKind, fmt.Sprintf("unknown kind %q", m.Kind))
	}
	if m.ClubID == "" {
		return Metadata{}, apperr.Validation(keyClubID, "missing")
	}

	if v := raw[keyPriceCents]; v != "" {
		price, err := strconv.ParseInt(v, 10, 64)
		if err != nil || price < 0 {
			return Metadata{}, apperr.Validation(keyPriceCents, fmt.Sprintf("not a non-negative integer: %q", v))
		}
		m.PriceCents = price
	}

	if m.Kind.IsMembership() {
		if m.UserID == "" {
			return Metadata{}, apperr.Validation(keyUserID, "membership purchase without user")
		}
		return m, nil
	}

	if m.BookingID == "" {
		return Metadata{}, apperr.Validation(keyBookingID, "missing")
	}
	if m.CourtID == "" && m.TrainerID == "" {
		return Metadata{}, apperr.Validation(keyCourtID, "booking needs a court or a trainer")
	}
	if m.UserID == "" && m.GuestEmail == "" {
		return Metadata{}, apperr.Validation(keyUserID, "booking needs a user or a guest email")
	}

	var err error
	if m.Start, err = parseTime(raw, keyStart); err != nil {
		return Metadata{}, err
	}
	if m.End, err = parseTime(raw, keyEnd); err != nil {
		return Metadata{}, err
	}
	if !m.End.After(m.Start) {
		return Metadata{}, apperr.Validation(keyEnd, "end must be after start")
	}
	return m, nil
}

func parseTime(raw map[string]string, key string) (time.Time, error) {
	v := raw[key]
	if v == "" {
		return time.Time{}, apperr.Validation(key, "missing")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation(key, fmt.Sprintf("not RFC3339: %q", v))
	}
	return t.UTC(), nil
}
