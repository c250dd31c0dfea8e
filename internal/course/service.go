package course

import (
	"context"
	"fmt"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	InsertCourseSessions(ctx context.Context, sessions []models.CourseSession) error
	Enroll(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error)
	Withdraw(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error)
}

type Service struct {
	store Store
	log   *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Service{store: store, log: log}
}

// ScheduleRequest is the API form of a weekly series.
type ScheduleRequest struct {
	StartDate string `json:"start_date"` // YYYY-MM-DD
	Weekday   string `json:"weekday"`
	StartTime string `json:"start_time"` // HH:MM
	EndTime   string `json:"end_time"`
	CourtID   string `json:"court_id"`
	Count     int    `json:"count"`
	Capacity  int    `json:"capacity"`
	TimeZone  string `json:"time_zone"`
}

type series struct {
	date       time.Time
	weekday    time.Weekday
	start, end Clock
	loc        *time.Location
}

func (r ScheduleRequest) parse() (series, error) {
	out := series{loc: time.UTC}
	if r.TimeZone != "" {
		loc, err := time.LoadLocation(r.TimeZone)
		if err != nil {
			return series{}, apperr.Validation("time_zone", err.Error())
		}
		out.loc = loc
	}

	var err error
	if out.date, err = time.ParseInLocation("2006-01-02", r.StartDate, out.loc); err != nil {
		return series{}, apperr.Validation("start_date", fmt.Sprintf("not YYYY-MM-DD: %q", r.StartDate))
	}
	if out.weekday, err = ParseWeekday(r.Weekday); err != nil {
		return series{}, err
	}
	if out.start, err = ParseClock(r.StartTime); err != nil {
		return series{}, err
	}
	if out.end, err = ParseClock(r.EndTime); err != nil {
		return series{}, err
	}
	return out, nil
}

// Schedule generates the series and stores it under courseID.
func (s *Service) Schedule(ctx context.Context, courseID string, req ScheduleRequest) ([]models.CourseSession, error) {
	if courseID == "" {
		return nil, apperr.Validation("course_id", "missing")
	}
	if req.Capacity < 0 {
		return nil, apperr.Validation("capacity", "negative")
	}
	sr, err := req.parse()
	if err != nil {
		return nil, err
	}

	descriptors, err := Generate(sr.date, sr.weekday, sr.start, sr.end, req.CourtID, req.Count, sr.loc)
	if err != nil {
		return nil, err
	}

	sessions := make([]models.CourseSession, len(descriptors))
	for i, d := range descriptors {
		sessions[i] = models.CourseSession{
			ID:        uuid.NewString(),
			CourseID:  courseID,
			CourtID:   d.CourtID,
			StartTime: d.StartTime,
			EndTime:   d.EndTime,
			Capacity:  req.Capacity,
		}
	}
	if err := s.store.InsertCourseSessions(ctx, sessions); err != nil {
		return nil, fmt.Errorf("store sessions for course %s: %w", courseID, err)
	}

	s.log.Info("COURSE", fmt.Sprintf("Scheduled %d session(s) for course %s on %s %s-%s", len(sessions), courseID, sr.weekday, sr.start, sr.end))
	return sessions, nil
}

func (s *Service) Enroll(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "missing")
	}
	p, err := s.store.Enroll(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info("COURSE", fmt.Sprintf("User %s enrolled in session %s as %s", userID, sessionID, p.Status))
	return p, nil
}

// Withdraw frees the user's seat and returns the waitlisted participant promoted into it, if any.
func (s *Service) Withdraw(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error) {
	promoted, err := s.store.Withdraw(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("User %s withdrew from session %s", userID, sessionID)
	if promoted != nil {
		msg += fmt.Sprintf(", %s promoted from waitlist", promoted.UserID)
	}
	s.log.Info("COURSE", msg)
	return promoted, nil
}
