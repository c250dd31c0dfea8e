package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-booking/internal/apperr"
	"ms-booking/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun/dialect"
)

// ---------------- COURSES ----------------

func (d *DB) InsertCourseSessions(ctx context.Context, sessions []models.CourseSession) error {
	if len(sessions) == 0 {
		return nil
	}
	now := d.clock()
	for i := range sessions {
		sessions[i].StartTime = sessions[i].StartTime.UTC()
		sessions[i].EndTime = sessions[i].EndTime.UTC()
		if sessions[i].CreatedAt.IsZero() {
			sessions[i].CreatedAt = now
		}
	}
	_, err := d.conn().NewInsert().Model(&sessions).Exec(ctx)
	return err
}

func (d *DB) GetCourseSession(ctx context.Context, id string) (*models.CourseSession, error) {
	var s models.CourseSession
	err := d.conn().NewSelect().
		Model(&s).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "course session", id)
	}
	return &s, nil
}

// lockCourseSession reads the session and, on PostgreSQL, holds its row lock until the
// transaction ends so seat counts cannot change underneath the caller.
func (d *DB) lockCourseSession(ctx context.Context, id string) (*models.CourseSession, error) {
	var s models.CourseSession
	q := d.conn().NewSelect().
		Model(&s).
		Where("id = ?", id)
	if d.Bun.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "course session", id)
	}
	return &s, nil
}

func (d *DB) ListParticipants(ctx context.Context, sessionID string) ([]models.CourseParticipant, error) {
	var ps []models.CourseParticipant
	err := d.conn().NewSelect().
		Model(&ps).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Scan(ctx)
	return ps, err
}

// Enroll adds the user as confirmed while seats remain and to the waitlist afterwards.
// A capacity of zero means unlimited.
func (d *DB) Enroll(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error) {
	var p *models.CourseParticipant
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		session, err := tx.lockCourseSession(ctx, sessionID)
		if err != nil {
			return err
		}

		var existing models.CourseParticipant
		err = tx.conn().NewSelect().
			Model(&existing).
			Where("session_id = ?", sessionID).
			Where("user_id = ?", userID).
			Limit(1).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		found := err == nil
		if found && existing.Status != models.ParticipantCancelled {
			return fmt.Errorf("user %s already enrolled in %s: %w", userID, sessionID, apperr.ErrStateConflict)
		}

		confirmed, err := tx.conn().NewSelect().
			Model((*models.CourseParticipant)(nil)).
			Where("session_id = ?", sessionID).
			Where("status = ?", models.ParticipantConfirmed).
			Count(ctx)
		if err != nil {
			return err
		}

		status := models.ParticipantConfirmed
		if session.Capacity > 0 && confirmed >= session.Capacity {
			status = models.ParticipantWaitlist
		}

		if found {
			// A previously cancelled row for the same user is reused.
			existing.Status = status
			existing.CreatedAt = tx.clock()
			p = &existing
			_, err = tx.conn().NewUpdate().
				Model(p).
				Column("status", "created_at").
				WherePK().
				Exec(ctx)
			return err
		}

		p = &models.CourseParticipant{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    userID,
			Status:    status,
			CreatedAt: tx.clock(),
		}
		_, err = tx.conn().NewInsert().Model(p).Exec(ctx)
		return err
	})
	return p, err
}

// Withdraw cancels the user's seat and, if a confirmed seat was freed, promotes the oldest
// waitlisted participant. The promoted participant is returned when there is one.
func (d *DB) Withdraw(ctx context.Context, sessionID, userID string) (*models.CourseParticipant, error) {
	var promoted *models.CourseParticipant
	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		if _, err := tx.lockCourseSession(ctx, sessionID); err != nil {
			return err
		}

		var current models.CourseParticipant
		err := tx.conn().NewSelect().
			Model(&current).
			Where("session_id = ?", sessionID).
			Where("user_id = ?", userID).
			Where("status <> ?", models.ParticipantCancelled).
			Limit(1).
			Scan(ctx)
		if err != nil {
			return notFound(err, "participant", sessionID+"/"+userID)
		}

		if _, err := tx.conn().NewUpdate().
			Model((*models.CourseParticipant)(nil)).
			Set("status = ?", models.ParticipantCancelled).
			Where("id = ?", current.ID).
			Exec(ctx); err != nil {
			return err
		}
		if current.Status != models.ParticipantConfirmed {
			return nil
		}

		var next models.CourseParticipant
		err = tx.conn().NewSelect().
			Model(&next).
			Where("session_id = ?", sessionID).
			Where("status = ?", models.ParticipantWaitlist).
			Order("created_at ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		if _, err := tx.conn().NewUpdate().
			Model((*models.CourseParticipant)(nil)).
			Set("status = ?", models.ParticipantConfirmed).
			Where("id = ?", next.ID).
			Exec(ctx); err != nil {
			return err
		}
		next.Status = models.ParticipantConfirmed
		promoted = &next
		return nil
	})
	return promoted, err
}
