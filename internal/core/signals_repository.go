package core

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

const signalColumns = `id, session_id, sender_id, recipient_id, kind, payload, created_at`

// signalRow keeps the payload as plain bytes so that both json and jsonb columns scan
type signalRow struct {
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	SenderID    string    `db:"sender_id"`
	RecipientID string    `db:"recipient_id"`
	Kind        string    `db:"kind"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r signalRow) toMessage() *SignalMessage {
	return &SignalMessage{
		ID:          r.ID,
		SessionID:   SessionID(r.SessionID),
		SenderID:    UserID(r.SenderID),
		RecipientID: UserID(r.RecipientID),
		Kind:        SignalKind(r.Kind),
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
	}
}

// SignalsRepository is the durable mailbox of signaling messages
type SignalsRepository struct {
	db *sqlx.DB
}

func NewSignalsRepository(db *sqlx.DB) *SignalsRepository {
	return &SignalsRepository{
		db: db,
	}
}

func (r *SignalsRepository) Insert(ctx context.Context, msg *SignalMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lesson_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID,
		string(msg.SessionID),
		string(msg.SenderID),
		string(msg.RecipientID),
		string(msg.Kind),
		[]byte(msg.Payload),
		msg.CreatedAt,
	)
	return err
}

// Pending returns messages addressed to the recipient in creation order
func (r *SignalsRepository) Pending(ctx context.Context, sessionID SessionID, recipientID UserID) ([]*SignalMessage, error) {
	rows := []signalRow{}

	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+signalColumns+`
		FROM lesson_signals
		WHERE session_id = $1 AND recipient_id = $2
		ORDER BY created_at, id`,
		string(sessionID),
		string(recipientID),
	)
	if err != nil {
		return nil, err
	}

	messages := make([]*SignalMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toMessage())
	}

	return messages, nil
}

func (r *SignalsRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM lesson_signals WHERE id = $1`, id)
	return err
}

func (r *SignalsRepository) DeleteBySender(ctx context.Context, sessionID SessionID, senderID UserID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM lesson_signals WHERE session_id = $1 AND sender_id = $2`,
		string(sessionID),
		string(senderID),
	)
	return err
}
