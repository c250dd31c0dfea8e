package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ParticipantStatus string

const (
	ParticipantConfirmed ParticipantStatus = "confirmed"
	ParticipantCancelled ParticipantStatus = "cancelled"
	ParticipantWaitlist  ParticipantStatus = "waitlist"
)

type CourseSession struct {
	bun.BaseModel `bun:"table:course_sessions"`

	ID        string    `bun:"id,pk" json:"id"`
	CourseID  string    `bun:"course_id,notnull" json:"course_id"`
	CourtID   string    `bun:"court_id,nullzero" json:"court_id,omitempty"`
	StartTime time.Time `bun:"start_time,notnull" json:"start_time"`
	EndTime   time.Time `bun:"end_time,notnull" json:"end_time"`
	Capacity  int       `bun:"capacity,notnull,default:0" json:"capacity"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

type CourseParticipant struct {
	bun.BaseModel `bun:"table:course_participants"`

	ID        string            `bun:"id,pk" json:"id"`
	SessionID string            `bun:"session_id,notnull,unique:session_user" json:"session_id"`
	UserID    string            `bun:"user_id,notnull,unique:session_user" json:"user_id"`
	Status    ParticipantStatus `bun:"status,notnull" json:"status"`
	CreatedAt time.Time         `bun:"created_at,notnull" json:"created_at"`
}
