package core

import "time"

// Participant is the presence of one user within a lesson
type Participant struct {
	SessionID   SessionID  `json:"session_id" db:"session_id"`
	UserID      UserID     `json:"user_id" db:"user_id"`
	DisplayName string     `json:"display_name" db:"display_name"`
	Role        Role       `json:"role" db:"role"`
	HandRaised  bool       `json:"hand_raised" db:"hand_raised"`
	JoinedAt    time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// Active reports whether the participant is still in the lesson
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}
