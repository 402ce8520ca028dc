package eventbus

import (
	"errors"
	"fmt"

	"github.com/isqad/livelook-lesson/internal/core"
)

var ErrUnknownEvent = errors.New("unknown event type")

// EventType is the kind of change of a roster row
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// RosterEvent describes one change of the participant roster of a lesson
type RosterEvent struct {
	Type        EventType         `json:"type"`
	Participant *core.Participant `json:"participant"`
}

func (e *RosterEvent) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if e.Participant == nil {
		return errors.New("roster event without participant")
	}

	return nil
}

// StatusEvent announces a status change of a lesson
type StatusEvent struct {
	SessionID core.SessionID     `json:"session_id"`
	Status    core.SessionStatus `json:"status"`
}

func rosterSubject(sessionID core.SessionID) string {
	return "lessons." + string(sessionID) + ".participants"
}

func statusSubject(sessionID core.SessionID) string {
	return "lessons." + string(sessionID) + ".status"
}
