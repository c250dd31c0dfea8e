package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/checkout"
)

// Response is the envelope of every JSON answer on the /api routes.
type Response struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const retryPrompt = "We could not start the payment. Please try again in a moment."

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeSuccessResponse(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, Response{Status: "success", Message: message, Data: data, Timestamp: time.Now()})
}

// errorResponse maps err onto a status code and a message that is safe to show. Internal
// failures never leak their text.
func errorResponse(err error) (int, Response) {
	status := apperr.HTTPStatus(err)
	resp := Response{Status: "error", Timestamp: time.Now()}

	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Message = "Invalid request"
		resp.Details = map[string]string{"field": verr.Field, "reason": verr.Reason}
	case errors.Is(err, checkout.ErrCheckoutFailed):
		status = http.StatusBadGateway
		resp.Message = retryPrompt
	case errors.Is(err, apperr.ErrOverlap):
		resp.Message = "The slot is already booked"
	case errors.Is(err, apperr.ErrDiscountExhausted):
		resp.Message = "The discount code is no longer available"
	case status == http.StatusConflict:
		resp.Message = "The request conflicts with the current state"
	case status == http.StatusBadGateway:
		resp.Message = retryPrompt
	default:
		resp.Message = http.StatusText(status)
	}
	return status, resp
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Response{Status: "error", Message: message, Timestamp: time.Now()})
}
