package trainer

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"ms-booking/internal/apperr"
	"ms-booking/internal/logger"
)

var pages = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .When}}<p>{{.When}}</p>{{end}}
</body>
</html>
`))

type page struct {
	Title   string
	Message string
	When    string
}

// Handler serves the links from the trainer's email. It answers with small HTML pages, never JSON.
type Handler struct {
	gateway *Gateway
	log     *logger.Logger
}

func NewHandler(gateway *Gateway, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Handler{gateway: gateway, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action, err := ParseAction(q.Get("action"))
	if err != nil {
		h.render(w, http.StatusBadRequest, page{Title: "Unknown action", Message: "This link is not valid. Please use the buttons from the email."})
		return
	}

	b, err := h.gateway.Decide(r.Context(), q.Get("token"), action)
	if err != nil {
		h.log.Warn("TRAINER", fmt.Sprintf("Decision %s failed: %v", action, err))
		h.render(w, apperr.HTTPStatus(err), errorPage(err))
		return
	}

	when := fmt.Sprintf("%s to %s", b.StartTime.UTC().Format("Mon 02 Jan 2006 15:04"), b.EndTime.UTC().Format("15:04 MST"))
	if action == ActionAccept {
		h.render(w, http.StatusOK, page{Title: "Session accepted", Message: "The payment has been collected and the guest has been notified.", When: when})
		return
	}
	h.render(w, http.StatusOK, page{Title: "Session declined", Message: "The payment hold has been released and the guest has been notified.", When: when})
}

func errorPage(err error) page {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return page{Title: "Link not found", Message: "This decision link is unknown."}
	case errors.Is(err, apperr.ErrGone):
		return page{Title: "Link expired", Message: "The time to answer this request has passed. The payment hold is released automatically."}
	case errors.Is(err, apperr.ErrOverlap):
		return page{Title: "Slot no longer free", Message: "Another confirmed booking now covers this slot, so the session cannot be accepted."}
	case errors.Is(err, apperr.ErrStateConflict):
		return page{Title: "Already decided", Message: "This request has already been answered."}
	case apperr.IsUpstream(err):
		return page{Title: "Payment provider unavailable", Message: "Nothing has been changed. Please try the link again in a few minutes."}
	}
	return page{Title: "Something went wrong", Message: "Nothing has been changed. Please try again later."}
}

func (h *Handler) render(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.Execute(w, p); err != nil {
		h.log.Error("TRAINER", fmt.Sprintf("Failed to render page: %v", err))
	}
}
