package lesson

import (
	"context"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
)

func (c *Coordinator) handleRosterEvent(event *eventbus.RosterEvent) {
	participant := event.Participant

	c.mu.Lock()
	if c.state != stateRunning || participant.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	selfID := c.selfID
	_, known := c.participants[participant.UserID]

	left := event.Type == eventbus.EventDelete || !participant.Active()
	if left {
		delete(c.participants, participant.UserID)
	} else {
		cp := *participant
		c.participants[participant.UserID] = &cp
	}
	c.mu.Unlock()

	c.emitRosterChanged()

	if participant.UserID == selfID {
		return
	}

	if left {
		if known {
			c.logger.Info().Str("peer", string(participant.UserID)).Msg("peer left the lesson")
		}
		c.removePeer(participant.UserID)
		return
	}

	// the side observing a new participant initiates, hand raise updates do not
	if event.Type == eventbus.EventInsert || !known {
		if !c.shouldInitiate(participant.UserID) {
			return
		}
		if err := c.ConnectToPeer(context.Background(), participant.UserID, participant.DisplayName); err != nil {
			c.logger.Error().Err(err).Str("peer", string(participant.UserID)).Msg("can't connect to new peer")
		}
	}
}

func (c *Coordinator) handleStatusEvent(event *eventbus.StatusEvent) {
	c.mu.Lock()
	if c.state != stateRunning || event.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	callback := c.onSessionEnded
	c.mu.Unlock()

	if event.Status != core.SessionEnded {
		return
	}

	c.logger.Info().Msg("lesson ended")
	if callback != nil {
		callback(event.SessionID)
	}

	c.Cleanup(context.Background())
}
