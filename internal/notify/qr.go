package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"ms-booking/internal/models"

	"github.com/skip2/go-qrcode"
)

var ErrInvalidCheckInCode = errors.New("invalid check-in code")

// CheckInPayload is sealed into the QR code shown at the club desk.
type CheckInPayload struct {
	BookingID string    `json:"booking_id"`
	ClubID    string    `json:"club_id"`
	CourtID   string    `json:"court_id,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// CheckInCodes seals booking references with AES-GCM so a code cannot be forged or edited.
type CheckInCodes struct {
	secret []byte
}

func NewCheckInCodes(secret string) *CheckInCodes {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &CheckInCodes{secret: hashed[:]}
}

// Token returns the sealed, URL-safe text encoded in the QR image.
func (c *CheckInCodes) Token(b *models.Booking) (string, error) {
	data, err := json.Marshal(CheckInPayload{
		BookingID: b.ID,
		ClubID:    b.ClubID,
		CourtID:   b.CourtID,
		Start:     b.StartTime.UTC(),
		End:       b.EndTime.UTC(),
	})
	if err != nil {
		return "", err
	}

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// PNG renders the booking's check-in code.
func (c *CheckInCodes) PNG(b *models.Booking) ([]byte, error) {
	token, err := c.Token(b)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

// Open verifies a scanned token and returns its payload.
func (c *CheckInCodes) Open(token string) (CheckInPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return CheckInPayload{}, ErrInvalidCheckInCode
	}
	gcm, err := c.aead()
	if err != nil {
		return CheckInPayload{}, err
	}
	if len(raw) < gcm.NonceSize() {
		return CheckInPayload{}, ErrInvalidCheckInCode
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	data, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return CheckInPayload{}, ErrInvalidCheckInCode
	}

	var payload CheckInPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return CheckInPayload{}, ErrInvalidCheckInCode
	}
	return payload, nil
}

func (c *CheckInCodes) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
