package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/logger"
)

type Attachment struct {
	Filename string
	Content  []byte
}

type Message struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Mailer delivers one message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailer posts messages to a transactional email API (Resend-compatible JSON body,
// bearer authentication).
type HTTPMailer struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
}

func NewHTTPMailer(cfg config.EmailConfig) *HTTPMailer {
	return &HTTPMailer{
		apiURL: cfg.APIURL,
		apiKey: cfg.APIKey,
		from:   cfg.From,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type apiMessage struct {
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Subject     string          `json:"subject"`
	HTML        string          `json:"html"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body := apiMessage{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}
	for _, a := range msg.Attachments {
		body.Attachments = append(body.Attachments, apiAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email API returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// LogMailer only logs outgoing mail. Used when no email API key is configured.
type LogMailer struct {
	Log *logger.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	m.Log.Info("EMAIL", fmt.Sprintf("(not sent) to=%s subject=%q attachments=%d", msg.To, msg.Subject, len(msg.Attachments)))
	return nil
}
