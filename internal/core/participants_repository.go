package core

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
)

const participantColumns = `session_id, user_id, display_name, role, hand_raised, joined_at, left_at`

type ParticipantsStorer interface {
	Upsert(ctx context.Context, p *Participant) (*Participant, error)
	Active(ctx context.Context, sessionID SessionID) ([]*Participant, error)
	SetHandRaised(ctx context.Context, sessionID SessionID, userID UserID, raised bool) (*Participant, error)
	Leave(ctx context.Context, sessionID SessionID, userID UserID) (*Participant, error)
}

type ParticipantsRepository struct {
	db *sqlx.DB
}

func NewParticipantsRepository(db *sqlx.DB) *ParticipantsRepository {
	return &ParticipantsRepository{
		db: db,
	}
}

// Upsert inserts the participant or reactivates the existing row of the same user
func (r *ParticipantsRepository) Upsert(ctx context.Context, p *Participant) (*Participant, error) {
	saved := &Participant{}

	err := r.db.GetContext(ctx, saved,
		`INSERT INTO lesson_participants
			(session_id, user_id, display_name, role, hand_raised, joined_at)
		VALUES ($1, $2, $3, $4, false, $5) ON CONFLICT ON CONSTRAINT uniq_lesson_participants DO UPDATE
			SET
				display_name = EXCLUDED.display_name,
				role = EXCLUDED.role,
				hand_raised = false,
				joined_at = EXCLUDED.joined_at,
				left_at = NULL
		RETURNING `+participantColumns,
		string(p.SessionID),
		string(p.UserID),
		p.DisplayName,
		string(p.Role),
		p.JoinedAt,
	)
	if err != nil {
		return nil, err
	}

	return saved, nil
}

func (r *ParticipantsRepository) Active(ctx context.Context, sessionID SessionID) ([]*Participant, error) {
	participants := []*Participant{}

	err := r.db.SelectContext(ctx, &participants,
		`SELECT `+participantColumns+`
		FROM lesson_participants
		WHERE session_id = $1 AND left_at IS NULL
		ORDER BY joined_at`,
		string(sessionID),
	)
	if err != nil {
		return nil, err
	}

	return participants, nil
}

func (r *ParticipantsRepository) SetHandRaised(ctx context.Context, sessionID SessionID, userID UserID, raised bool) (*Participant, error) {
	return r.update(ctx,
		`UPDATE lesson_participants SET hand_raised = $1
		WHERE session_id = $2 AND user_id = $3 AND left_at IS NULL
		RETURNING `+participantColumns,
		raised, string(sessionID), string(userID),
	)
}

func (r *ParticipantsRepository) Leave(ctx context.Context, sessionID SessionID, userID UserID) (*Participant, error) {
	return r.update(ctx,
		`UPDATE lesson_participants SET left_at = NOW(), hand_raised = false
		WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL
		RETURNING `+participantColumns,
		string(sessionID), string(userID),
	)
}

func (r *ParticipantsRepository) update(ctx context.Context, query string, args ...interface{}) (*Participant, error) {
	p := &Participant{}

	if err := r.db.GetContext(ctx, p, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}

	return p, nil
}
