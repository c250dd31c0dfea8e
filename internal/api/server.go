// Package api wires the HTTP surface: UI routes, the payment webhook, trainer decision links,
// cron triggers and the operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-booking/internal/analytics"
	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/checkout"
	"ms-booking/internal/config"
	"ms-booking/internal/course"
	"ms-booking/internal/discount"
	"ms-booking/internal/logger"
	"ms-booking/internal/membership"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"
	bookingredis "ms-booking/internal/redis"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Checkouts interface {
	StartBooking(ctx context.Context, draft checkout.BookingDraft) (*checkout.Result, error)
	StartMembership(ctx context.Context, p checkout.MembershipPurchase) (*checkout.Result, error)
}

type Bookings interface {
	Status(ctx context.Context, clubID, id string) (*models.BookingStatusView, error)
	Get(ctx context.Context, clubID, id string) (*models.Booking, error)
	ListForOwner(ctx context.Context, clubID, userID string) ([]models.BookingStatusView, error)
	CreateCash(ctx context.Context, req booking.CashRequest) (*models.Booking, error)
	Cancel(ctx context.Context, clubID, id string) (*models.Booking, error)
	Cleanup(ctx context.Context) (booking.CleanupReport, error)
}

type Memberships interface {
	Status(ctx context.Context, clubID, userID string, now time.Time) (membership.View, error)
	ExpireLapsed(ctx context.Context, now time.Time) (int, error)
}

type Discounts interface {
	Validate(ctx context.Context, clubID, code string, priceCents int64) (*discount.Quote, error)
}

type Courses interface {
	Schedule(ctx context.Context, courseID string, req course.ScheduleRequest) ([]models.CourseSession, error)
	Enroll(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error)
	Withdraw(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error)
}

type Analytics interface {
	ClubRevenue(ctx context.Context, clubID string, from, to time.Time, loc *time.Location) (*analytics.ClubRevenue, error)
}

// CheckInCodes renders the QR code a guest shows at the desk.
type CheckInCodes interface {
	PNG(b *models.Booking) ([]byte, error)
}

// StatusStream lets clients wait for a booking to leave its placeholder state.
type StatusStream interface {
	Subscribe(ctx context.Context, bookingID string) <-chan bookingredis.StatusUpdate
}

type Deps struct {
	Checkouts    Checkouts
	Bookings     Bookings
	Memberships  Memberships
	Discounts    Discounts
	Courses      Courses
	Analytics    Analytics
	CheckInCodes CheckInCodes
	Status       StatusStream
	Webhook      http.Handler
	Trainer      http.Handler
	Verifier     auth.Verifier
	CronSecret   string
	RateLimit    config.RateLimitConfig
	Log          *logger.Logger
}

type Server struct {
	deps Deps
	log  *logger.Logger
	now  func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.NewDiscardLogger()
	}
	return &Server{deps: deps, log: deps.Log, now: time.Now}
}

// Router builds the chi router with every route of the service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/stripe", s.deps.Webhook.ServeHTTP)
	s.log.Info("ROUTER", "Payment webhook registered at /webhooks/stripe")

	limiter := newRateLimiter(s.deps.RateLimit)
	r.With(limiter.middleware).Get("/trainer/decision", s.deps.Trainer.ServeHTTP)
	s.log.Info("ROUTER", "Trainer decision endpoint registered at /trainer/decision")

	r.Route("/cron", func(r chi.Router) {
		r.Use(auth.RequireSecret(s.deps.CronSecret, s.log))
		r.Post("/memberships/expire", s.expireMemberships)
		r.Post("/bookings/cleanup", s.cleanupBookings)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.deps.Verifier, s.log))

		r.Route("/api/clubs/{clubSlug}", func(r chi.Router) {
			r.Post("/bookings/checkout", s.checkoutBooking)
			r.Post("/bookings/cash", s.cashBooking)
			r.Get("/bookings", s.listBookings)
			r.Get("/bookings/{bookingId}", s.bookingStatus)
			r.Get("/bookings/{bookingId}/qr", s.bookingQR)
			r.Get("/bookings/{bookingId}/events", s.bookingEvents)
			r.Delete("/bookings/{bookingId}", s.cancelBooking)

			r.Post("/memberships/checkout", s.checkoutMembership)
			r.Get("/memberships/{userId}", s.membershipStatus)

			r.Post("/discounts/validate", s.validateDiscount)

			r.Get("/analytics/revenue", s.clubRevenue)
		})

		r.Route("/api/courses", func(r chi.Router) {
			r.Post("/{courseId}/sessions", s.scheduleCourse)
			r.Post("/sessions/{sessionId}/participants", s.enroll)
			r.Delete("/sessions/{sessionId}/participants/{userId}", s.withdraw)
		})
	})
	s.log.Info("ROUTER", "API routes registered under /api")

	return r
}

// instrument logs and counts every request under its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.IncHTTP(route, strconv.Itoa(status))
		if route != "/metrics" && route != "/healthz" {
			s.log.LogAPI(r.Method, route, strconv.Itoa(status), fmt.Sprintf("%dms", time.Since(started).Milliseconds()))
		}
	})
}
