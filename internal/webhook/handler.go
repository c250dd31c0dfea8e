package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ms-booking/internal/apperr"
	"ms-booking/internal/logger"
)

// MaxBodyBytes bounds a single delivery.
const MaxBodyBytes = int64(65536)

// Handler is the HTTP receiver. Only unreadable or unauthenticated deliveries get a non-2xx
// answer; everything else is acknowledged so the payment authority stops redelivering.
type Handler struct {
	verifier  *Verifier
	processor *Processor
	log       *logger.Logger
}

func NewHandler(verifier *Verifier, processor *Processor, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Handler{verifier: verifier, processor: processor, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		h.log.Warn("WEBHOOK", fmt.Sprintf("Failed to read body: %v", err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not read body"})
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.LogSecurity("WEBHOOK_SIGNATURE", err.Error())
		writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": "invalid signature"})
		return
	}

	ev, err := Parse(event)
	if err != nil {
		// Authenticated but unusable: redelivery would not help.
		h.log.LogWebhook(string(event.Type), event.ID, fmt.Sprintf("Rejected payload, acknowledged: %v", err))
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": "invalid"})
		return
	}

	outcome, err := h.processor.Process(r.Context(), ev)
	if err != nil {
		level := "needs manual reconciliation"
		if apperr.IsValidation(err) {
			level = "invalid payload"
		}
		h.log.Error("WEBHOOK", fmt.Sprintf("Event %s (%s) failed, %s: %v", event.ID, event.Type, level, err))
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": "failed"})
		return
	}

	h.log.LogWebhook(string(event.Type), event.ID, fmt.Sprintf("Processed: %s", outcome))
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": outcome})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
