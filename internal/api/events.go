package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-booking/internal/events"

	"github.com/go-chi/chi/v5"
)

// bookingEvents streams status changes of one booking as server-sent events, so the checkout
// success page can wait for the webhook instead of polling.
func (s *Server) bookingEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		http.Error(w, "status stream not available", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clubID, bookingID := chi.URLParam(r, "clubSlug"), chi.URLParam(r, "bookingId")
	ctx := r.Context()

	// Subscribe before reading the current state so a change in between is not lost
	updates := s.deps.Status.Subscribe(ctx, bookingID)
	view, err := s.deps.Bookings.Status(ctx, clubID, bookingID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	// The stream outlives the server's write timeout
	http.NewResponseController(w).SetWriteDeadline(time.Time{})
	setupSSEHeaders(w)
	current, _ := json.Marshal(view)
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", current)
	flusher.Flush()
	if !view.Status.IsPlaceholder() {
		return
	}
	s.log.Debug("SSE", fmt.Sprintf("Client waiting on booking %s", bookingID))

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Booking.ClubID != "" && update.Booking.ClubID != clubID {
				continue
			}
			data, err := json.Marshal(update.Booking)
			if err != nil {
				s.log.Error("SSE", fmt.Sprintf("Failed to serialize status update: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
			if update.Type == events.BookingExpired || !update.Booking.Status.IsPlaceholder() {
				return
			}
		case <-ctx.Done():
			s.log.Debug("SSE", fmt.Sprintf("Client left booking %s", bookingID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
