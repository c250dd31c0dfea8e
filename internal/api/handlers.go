package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/checkout"
	"ms-booking/internal/course"
	"ms-booking/internal/models"

	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}

// callerOr prefers the authenticated user over a user id sent in the body.
func callerOr(r *http.Request, fromBody string) string {
	if uid := auth.UserID(r.Context()); uid != "" {
		return uid
	}
	return fromBody
}

// checkoutResponse is the shape the checkout pages expect: a redirect url or an error line.
type checkoutResponse struct {
	URL       string `json:"url,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	BookingID string `json:"booking_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) writeCheckout(w http.ResponseWriter, res *checkout.Result, err error) {
	if err != nil {
		status, resp := errorResponse(err)
		writeJSON(w, status, checkoutResponse{Error: resp.Message})
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{URL: res.URL, SessionID: res.SessionID, BookingID: res.BookingID})
}

func (s *Server) checkoutBooking(w http.ResponseWriter, r *http.Request) {
	var draft checkout.BookingDraft
	if !decodeJSON(w, r, &draft) {
		return
	}
	slug := chi.URLParam(r, "clubSlug")
	draft.ClubID, draft.ClubSlug = slug, slug
	if draft.GuestEmail == "" {
		draft.UserID = callerOr(r, draft.UserID)
	}

	res, err := s.deps.Checkouts.StartBooking(r.Context(), draft)
	if err != nil {
		s.log.Warn("API", fmt.Sprintf("Booking checkout for club %s failed: %v", slug, err))
	}
	s.writeCheckout(w, res, err)
}

func (s *Server) checkoutMembership(w http.ResponseWriter, r *http.Request) {
	var p checkout.MembershipPurchase
	if !decodeJSON(w, r, &p) {
		return
	}
	slug := chi.URLParam(r, "clubSlug")
	p.ClubID, p.ClubSlug = slug, slug
	p.UserID = callerOr(r, p.UserID)

	res, err := s.deps.Checkouts.StartMembership(r.Context(), p)
	if err != nil {
		s.log.Warn("API", fmt.Sprintf("Membership checkout for club %s failed: %v", slug, err))
	}
	s.writeCheckout(w, res, err)
}

func (s *Server) cashBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CashRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ClubID = chi.URLParam(r, "clubSlug")
	if req.GuestEmail == "" {
		req.UserID = callerOr(r, req.UserID)
	}

	b, err := s.deps.Bookings.CreateCash(r.Context(), req)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, "Booking confirmed", b.View())
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	owner := callerOr(r, r.URL.Query().Get("user_id"))
	if owner == "" {
		badRequest(w, "user_id is required")
		return
	}
	list, err := s.deps.Bookings.ListForOwner(r.Context(), chi.URLParam(r, "clubSlug"), owner)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Bookings", list)
}

func (s *Server) bookingStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Bookings.Status(r.Context(), chi.URLParam(r, "clubSlug"), chi.URLParam(r, "bookingId"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Booking status", view)
}

func (s *Server) cancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bookings.Cancel(r.Context(), chi.URLParam(r, "clubSlug"), chi.URLParam(r, "bookingId"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Booking cancelled", b.View())
}

func (s *Server) bookingQR(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bookings.Get(r.Context(), chi.URLParam(r, "clubSlug"), chi.URLParam(r, "bookingId"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if b.Status != models.BookingConfirmed {
		writeErrorResponse(w, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, apperr.ErrStateConflict))
		return
	}

	png, err := s.deps.CheckInCodes.PNG(b)
	if err != nil {
		s.log.Error("API", fmt.Sprintf("Failed to render check-in code for %s: %v", b.ID, err))
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) membershipStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Memberships.Status(r.Context(), chi.URLParam(r, "clubSlug"), chi.URLParam(r, "userId"), s.now())
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Membership status", view)
}

func (s *Server) validateDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string `json:"code"`
		PriceCents int64  `json:"price_cents"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	quote, err := s.deps.Discounts.Validate(r.Context(), chi.URLParam(r, "clubSlug"), req.Code, req.PriceCents)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Discount code is valid", quote)
}

const reportDays = 30

// clubRevenue reads from/to as calendar dates in tz; both days are included.
func (s *Server) clubRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := time.UTC
	if tz := q.Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeErrorResponse(w, apperr.Validation("tz", "unknown time zone"))
			return
		}
		loc = l
	}

	now := s.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	from, to := today.AddDate(0, 0, -reportDays+1), today
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			writeErrorResponse(w, apperr.Validation("from", "expected YYYY-MM-DD"))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			writeErrorResponse(w, apperr.Validation("to", "expected YYYY-MM-DD"))
			return
		}
	}

	report, err := s.deps.Analytics.ClubRevenue(r.Context(), chi.URLParam(r, "clubSlug"), from, to.AddDate(0, 0, 1), loc)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Revenue report", report)
}

func (s *Server) scheduleCourse(w http.ResponseWriter, r *http.Request) {
	var req course.ScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessions, err := s.deps.Courses.Schedule(r.Context(), chi.URLParam(r, "courseId"), req)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, fmt.Sprintf("%d session(s) scheduled", len(sessions)), sessions)
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.deps.Courses.Enroll(r.Context(), chi.URLParam(r, "sessionId"), callerOr(r, req.UserID))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, "Enrolled as "+string(p.Status), p)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Courses.Withdraw(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Withdrawn", p)
}

func (s *Server) expireMemberships(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Memberships.ExpireLapsed(r.Context(), s.now())
	if err != nil {
		s.log.Error("CRON", fmt.Sprintf("Membership expiry failed: %v", err))
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Lapsed memberships expired", map[string]int{"expired": n})
}

func (s *Server) cleanupBookings(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Bookings.Cleanup(r.Context())
	if err != nil {
		s.log.Error("CRON", fmt.Sprintf("Booking cleanup failed: %v", err))
		writeErrorResponse(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, "Cleanup finished", report)
}
