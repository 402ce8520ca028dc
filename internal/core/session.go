package core

import (
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one live lesson
type SessionID string

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is a live-lesson instance of a classroom
type Session struct {
	ID          SessionID     `json:"id" db:"id"`
	ClassroomID string        `json:"classroom_id" db:"classroom_id"`
	CreatedBy   UserID        `json:"created_by" db:"created_by"`
	Status      SessionStatus `json:"status" db:"status"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// NewSession builds an active session created by the teacher
func NewSession(classroomID string, createdBy UserID) *Session {
	return &Session{
		ID:          SessionID(uuid.New().String()),
		ClassroomID: classroomID,
		CreatedBy:   createdBy,
		Status:      SessionActive,
		StartedAt:   time.Now().UTC(),
	}
}

func (s *Session) IsEnded() bool {
	return s.Status == SessionEnded
}
