package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

var emailTemplates = template.Must(template.New("emails").Parse(`
{{define "trainer_request"}}<p>A new session request is waiting for your decision.</p>
<p>{{.Start}} to {{.End}}{{if .Court}} on court {{.Court}}{{end}}, booked by {{.Guest}}.</p>
<p><a href="{{.AcceptURL}}">Accept</a> &middot; <a href="{{.RejectURL}}">Reject</a></p>
<p>The links stop working on {{.Expires}}. The payment hold is released if you do not answer.</p>{{end}}
{{define "confirmed"}}<p>Your booking is confirmed.</p>
<p>{{.Start}} to {{.End}}{{if .Court}} on court {{.Court}}{{end}}.</p>
<p>Show the attached code at the desk to check in.</p>{{end}}
{{define "rejected"}}<p>Unfortunately your session request for {{.Start}} could not be accepted.</p>
<p>The payment hold on your card has been released.</p>{{end}}
`))

type emailData struct {
	Start     string
	End       string
	Court     string
	Guest     string
	AcceptURL string
	RejectURL string
	Expires   string
}

// Notifier composes the booking emails. It never fails a ledger operation: callers log the
// returned error and move on.
type Notifier struct {
	mailer  Mailer
	codes   *CheckInCodes
	baseURL string
	log     *logger.Logger
}

func NewNotifier(mailer Mailer, codes *CheckInCodes, publicBaseURL string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Notifier{mailer: mailer, codes: codes, baseURL: publicBaseURL, log: log}
}

// DecisionURL is the link a trainer follows to accept or reject a held session.
func (n *Notifier) DecisionURL(token, action string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("action", action)
	return n.baseURL + "/trainer/decision?" + q.Encode()
}

func (n *Notifier) TrainerDecisionRequested(ctx context.Context, b *models.Booking, trainerEmail string) error {
	if trainerEmail == "" {
		n.log.Warn("EMAIL", fmt.Sprintf("No trainer email for booking %s, decision links not sent", b.ID))
		return nil
	}
	data := bookingData(b)
	data.AcceptURL = n.DecisionURL(b.TrainerActionToken, "accept")
	data.RejectURL = n.DecisionURL(b.TrainerActionToken, "reject")
	data.Expires = b.TrainerActionExpiresAt.UTC().Format(time.RFC1123)

	return n.send(ctx, trainerEmail, "New session request", "trainer_request", data, nil)
}

func (n *Notifier) BookingConfirmed(ctx context.Context, b *models.Booking) error {
	to := b.NotifyEmail()
	if to == "" {
		return nil
	}
	var attachments []Attachment
	if n.codes != nil {
		png, err := n.codes.PNG(b)
		if err != nil {
			n.log.Warn("EMAIL", fmt.Sprintf("Failed to render check-in code for %s: %v", b.ID, err))
		} else {
			attachments = append(attachments, Attachment{Filename: "check-in-" + b.ID + ".png", Content: png})
		}
	}
	return n.send(ctx, to, "Booking confirmed", "confirmed", bookingData(b), attachments)
}

func (n *Notifier) BookingRejected(ctx context.Context, b *models.Booking) error {
	to := b.NotifyEmail()
	if to == "" {
		return nil
	}
	return n.send(ctx, to, "Session request declined", "rejected", bookingData(b), nil)
}

func (n *Notifier) send(ctx context.Context, to, subject, tmpl string, data emailData, attachments []Attachment) error {
	var body bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&body, tmpl, data); err != nil {
		return fmt.Errorf("render %s email: %w", tmpl, err)
	}
	if err := n.mailer.Send(ctx, Message{To: to, Subject: subject, HTML: body.String(), Attachments: attachments}); err != nil {
		n.log.Error("EMAIL", fmt.Sprintf("Failed to send %q to %s: %v", subject, to, err))
		return err
	}
	n.log.Info("EMAIL", fmt.Sprintf("Sent %q to %s", subject, to))
	return nil
}

func bookingData(b *models.Booking) emailData {
	guest := b.GuestName
	if guest == "" {
		guest = b.OwnerRef()
	}
	return emailData{
		Start: b.StartTime.UTC().Format("Mon 02 Jan 2006 15:04 MST"),
		End:   b.EndTime.UTC().Format("15:04 MST"),
		Court: b.CourtID,
		Guest: guest,
	}
}
