package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/relay"
	"github.com/isqad/livelook-lesson/internal/signal"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

var (
	ErrLessonEnded   = errors.New("lesson has ended")
	ErrInvalidRole   = errors.New("invalid participant role")
	ErrInvalidSignal = errors.New("invalid signal")
)

// EventsPublisher announces roster and lesson status changes
type EventsPublisher interface {
	PublishRoster(sessionID core.SessionID, event *eventbus.RosterEvent) error
	PublishStatus(event *eventbus.StatusEvent) error
}

// LessonsManager is the persistence side of live lessons: sessions, the
// participant roster and the signal mailbox, announcing every change
type LessonsManager struct {
	sessions     core.SessionsStorer
	participants core.ParticipantsStorer
	signals      relay.Store
	notifier     relay.Notifier
	events       EventsPublisher
}

func NewLessonsManager(
	sessions core.SessionsStorer,
	participants core.ParticipantsStorer,
	signals relay.Store,
	notifier relay.Notifier,
	events EventsPublisher,
) *LessonsManager {
	return &LessonsManager{
		sessions:     sessions,
		participants: participants,
		signals:      signals,
		notifier:     notifier,
		events:       events,
	}
}

func (m *LessonsManager) StartLesson(ctx context.Context, classroomID string, teacherID core.UserID) (*core.Session, error) {
	session := core.NewSession(classroomID, teacherID)
	if err := m.sessions.Create(ctx, session); err != nil {
		telemetry.Failure("lesson_start", "store")
		return nil, err
	}

	m.publishStatus(session)
	telemetry.Success("lesson_start")
	log.Info().Str("service", "lessons").Str("session", string(session.ID)).Str("classroom", classroomID).Msg("lesson started")

	return session, nil
}

func (m *LessonsManager) Lesson(ctx context.Context, sessionID core.SessionID) (*core.Session, error) {
	return m.sessions.Find(ctx, sessionID)
}

// EndLesson closes the lesson for every participant
func (m *LessonsManager) EndLesson(ctx context.Context, sessionID core.SessionID) (*core.Session, error) {
	session, err := m.sessions.End(ctx, sessionID)
	if err != nil {
		telemetry.Failure("lesson_end", "store")
		return nil, err
	}

	m.publishStatus(session)
	telemetry.Success("lesson_end")
	log.Info().Str("service", "lessons").Str("session", string(sessionID)).Msg("lesson ended")

	return session, nil
}

// Join adds the user to the roster or reactivates its previous row
func (m *LessonsManager) Join(ctx context.Context, sessionID core.SessionID, userID core.UserID, displayName string, role core.Role) (*core.Participant, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	session, err := m.sessions.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsEnded() {
		return nil, ErrLessonEnded
	}

	participant, err := m.participants.Upsert(ctx, &core.Participant{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: strings.TrimSpace(displayName),
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	})
	if err != nil {
		telemetry.Failure("lesson_join", "store")
		return nil, err
	}

	m.publishRoster(eventbus.EventInsert, participant)
	telemetry.Success("lesson_join")

	return participant, nil
}

func (m *LessonsManager) Leave(ctx context.Context, sessionID core.SessionID, userID core.UserID) (*core.Participant, error) {
	participant, err := m.participants.Leave(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	m.publishRoster(eventbus.EventDelete, participant)
	if err := m.signals.DeleteBySender(ctx, sessionID, userID); err != nil {
		log.Error().Err(err).Str("service", "lessons").Str("user", string(userID)).Msg("can't delete signals of a leaving participant")
	}

	return participant, nil
}

func (m *LessonsManager) SetHandRaised(ctx context.Context, sessionID core.SessionID, userID core.UserID, raised bool) (*core.Participant, error) {
	participant, err := m.participants.SetHandRaised(ctx, sessionID, userID, raised)
	if err != nil {
		return nil, err
	}

	m.publishRoster(eventbus.EventUpdate, participant)

	return participant, nil
}

func (m *LessonsManager) Roster(ctx context.Context, sessionID core.SessionID) ([]*core.Participant, error) {
	return m.participants.Active(ctx, sessionID)
}

// SendSignal stores a signal posted by a client and notifies its recipient
func (m *LessonsManager) SendSignal(ctx context.Context, msg *core.SignalMessage) (*core.SignalMessage, error) {
	if msg.SenderID == "" || msg.RecipientID == "" || msg.SenderID == msg.RecipientID {
		return nil, fmt.Errorf("%w: sender and recipient must be distinct", ErrInvalidSignal)
	}

	payload, err := signal.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	out, err := signal.NewMessage(msg.SessionID, msg.SenderID, msg.RecipientID, payload)
	if err != nil {
		return nil, err
	}

	if err := m.signals.Insert(ctx, out); err != nil {
		telemetry.Failure("signal_send", "store")
		return nil, err
	}
	if err := m.notifier.Publish(ctx, out); err != nil {
		// the recipient still finds it in its backlog
		telemetry.Failure("signal_send", "notify")
		log.Error().Err(err).Str("service", "lessons").Str("id", out.ID).Msg("can't notify recipient about signal")
	}
	telemetry.Success("signal_send")

	return out, nil
}

func (m *LessonsManager) PendingSignals(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) ([]*core.SignalMessage, error) {
	return m.signals.Pending(ctx, sessionID, recipientID)
}

func (m *LessonsManager) DeleteSignal(ctx context.Context, id string) error {
	return m.signals.Delete(ctx, id)
}

func (m *LessonsManager) DeleteSignalsBySender(ctx context.Context, sessionID core.SessionID, senderID core.UserID) error {
	return m.signals.DeleteBySender(ctx, sessionID, senderID)
}

func (m *LessonsManager) publishStatus(session *core.Session) {
	event := &eventbus.StatusEvent{SessionID: session.ID, Status: session.Status}
	if err := m.events.PublishStatus(event); err != nil {
		telemetry.Failure("event_publish", "status")
		log.Error().Err(err).Str("service", "lessons").Str("session", string(session.ID)).Msg("can't publish lesson status")
	}
}

func (m *LessonsManager) publishRoster(eventType eventbus.EventType, participant *core.Participant) {
	event := &eventbus.RosterEvent{Type: eventType, Participant: participant}
	if err := m.events.PublishRoster(participant.SessionID, event); err != nil {
		telemetry.Failure("event_publish", "roster")
		log.Error().Err(err).Str("service", "lessons").Str("session", string(participant.SessionID)).Msg("can't publish roster change")
	}
}
