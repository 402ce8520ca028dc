package core

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

var (
	ErrSessionNotFound = errors.New("session not found")
)

type SessionsStorer interface {
	Create(ctx context.Context, session *Session) error
	Find(ctx context.Context, id SessionID) (*Session, error)
	End(ctx context.Context, id SessionID) (*Session, error)
}

type SessionsRepository struct {
	db *sqlx.DB
}

func NewSessionsRepository(db *sqlx.DB) *SessionsRepository {
	return &SessionsRepository{
		db: db,
	}
}

// Migrate creates the lesson tables if they do not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (r *SessionsRepository) Create(ctx context.Context, session *Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lesson_sessions
			(id, classroom_id, created_by, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(session.ID),
		session.ClassroomID,
		string(session.CreatedBy),
		string(session.Status),
		session.StartedAt,
	)
	return err
}

func (r *SessionsRepository) Find(ctx context.Context, id SessionID) (*Session, error) {
	session := &Session{}

	err := r.db.GetContext(ctx, session,
		`SELECT id, classroom_id, created_by, status, started_at, ended_at
		FROM lesson_sessions WHERE id = $1 LIMIT 1`,
		string(id),
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

func (r *SessionsRepository) End(ctx context.Context, id SessionID) (*Session, error) {
	session := &Session{}

	err := r.db.GetContext(ctx, session,
		`UPDATE lesson_sessions SET
			status = $1,
			ended_at = COALESCE(ended_at, NOW())
		WHERE id = $2
		RETURNING id, classroom_id, created_by, status, started_at, ended_at`,
		string(SessionEnded),
		string(id),
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}
