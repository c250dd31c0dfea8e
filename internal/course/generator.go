// Package course schedules weekly course sessions and manages their participants.
package course

import (
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/apperr"
)

// MaxSessions caps one generated series at two years of weekly sessions.
const MaxSessions = 104

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock reads "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, apperr.Validation("clock", fmt.Sprintf("not HH:MM: %q", s))
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseWeekday accepts English day names ("monday", "Mon").
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return time.Sunday, apperr.Validation("weekday", fmt.Sprintf("unknown weekday %q", s))
}

// SessionDescriptor is one generated occurrence. Nothing is persisted.
type SessionDescriptor struct {
	CourtID   string
	StartTime time.Time
	EndTime   time.Time
}

// Generate returns count weekly sessions. The first lands on the first given weekday on or
// after startDate; the rest follow at seven day intervals. Clocks are read in loc so a series
// keeps its wall-clock time across daylight saving changes. A nil loc means UTC.
func Generate(startDate time.Time, weekday time.Weekday, start, end Clock, courtID string, count int, loc *time.Location) ([]SessionDescriptor, error) {
	if loc == nil {
		loc = time.UTC
	}
	if count <= 0 || count > MaxSessions {
		return nil, apperr.Validation("count", fmt.Sprintf("must be between 1 and %d", MaxSessions))
	}
	if end.minutes() <= start.minutes() {
		return nil, apperr.Validation("end", fmt.Sprintf("%s is not after %s", end, start))
	}

	y, m, d := startDate.In(loc).Date()
	first := time.Date(y, m, d, 0, 0, 0, 0, loc)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	first = first.AddDate(0, 0, offset)

	out := make([]SessionDescriptor, 0, count)
	for i := 0; i < count; i++ {
		day := first.AddDate(0, 0, 7*i)
		y, m, d := day.Date()
		out = append(out, SessionDescriptor{
			CourtID:   courtID,
			StartTime: time.Date(y, m, d, start.Hour, start.Minute, 0, 0, loc),
			EndTime:   time.Date(y, m, d, end.Hour, end.Minute, 0, 0, loc),
		})
	}
	return out, nil
}
