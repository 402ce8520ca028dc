package core

import (
	"encoding/json"
	"time"
)

// SignalKind is the type tag of a signaling datagram
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// SignalMessage is one directed signaling datagram between two participants.
// The recipient deletes it right after handling.
type SignalMessage struct {
	ID          string          `json:"id" db:"id"`
	SessionID   SessionID       `json:"session_id" db:"session_id"`
	SenderID    UserID          `json:"sender_id" db:"sender_id"`
	RecipientID UserID          `json:"recipient_id" db:"recipient_id"`
	Kind        SignalKind      `json:"kind" db:"kind"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
