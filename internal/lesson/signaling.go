package lesson

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/signal"
)

// dispatch applies one incoming signal, the relay deletes it afterwards whatever the result
func (c *Coordinator) dispatch(msg *core.SignalMessage) error {
	c.mu.Lock()
	running := c.state == stateRunning
	c.mu.Unlock()
	if !running {
		return nil
	}

	payload, err := signal.Decode(msg)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case signal.Offer:
		return c.handleOffer(msg.SenderID, p)
	case signal.Answer:
		return c.handleAnswer(msg.SenderID, p)
	case signal.ICECandidate:
		c.handleCandidate(msg.SenderID, p)
		return nil
	default:
		return signal.ErrUnknownKind
	}
}

func (c *Coordinator) handleOffer(from core.UserID, offer signal.Offer) error {
	logger := c.logger.With().Str("peer", string(from)).Logger()

	c.mu.Lock()
	if c.state != stateRunning || from == c.selfID {
		c.mu.Unlock()
		return nil
	}

	var replaced *peer
	if existing, ok := c.links[from]; ok {
		switch {
		case existing.link.HasPendingOffer():
			// both sides offered: the smaller id keeps its offer
			if c.selfID < from {
				c.mu.Unlock()
				logger.Debug().Msg("colliding offer ignored, ours wins")
				return nil
			}
			logger.Debug().Msg("colliding offer accepted, ours is withdrawn")
		case isBroken(existing.link.State()):
			logger.Debug().Msg("peer restarted its broken connection")
		default:
			// the peer dropped its side and offers anew
			logger.Info().Msg("peer restarted its connection")
		}

		existing.stopTimers()
		delete(c.links, from)
		replaced = existing
	}

	peerName := offer.PeerName
	if peerName == "" {
		if participant, ok := c.participants[from]; ok {
			peerName = participant.DisplayName
		}
	}

	p, err := c.newPeerLocked(from, peerName, rtc.Responder)
	c.mu.Unlock()

	// the replaced link is gone silently, the peer is still being connected
	if replaced != nil {
		replaced.link.Close()
	}
	if err != nil {
		return err
	}
	if replaced == nil {
		c.setHealth(from, Health{State: HealthConnecting})
	}

	answer, err := p.link.AcceptOffer(offer.SDP)
	if err != nil {
		c.dropPeer(p, "can't accept offer")
		return err
	}

	c.negotiationMu.Lock()
	defer c.negotiationMu.Unlock()

	if !c.isCurrent(p) {
		return nil
	}
	c.send(context.Background(), from, signal.Answer{SDP: *answer})

	return nil
}

func isBroken(state webrtc.PeerConnectionState) bool {
	return state == webrtc.PeerConnectionStateDisconnected || state == webrtc.PeerConnectionStateFailed
}

func (c *Coordinator) handleAnswer(from core.UserID, answer signal.Answer) error {
	link := c.Link(from)
	if link == nil {
		c.logger.Debug().Str("peer", string(from)).Msg("answer without a link ignored")
		return nil
	}

	err := link.AcceptAnswer(answer.SDP)
	if errors.Is(err, rtc.ErrUnexpectedAnswer) || errors.Is(err, rtc.ErrLinkClosed) {
		c.logger.Debug().Err(err).Str("peer", string(from)).Msg("answer ignored")
		return nil
	}

	return err
}

func (c *Coordinator) handleCandidate(from core.UserID, candidate signal.ICECandidate) {
	link := c.Link(from)
	if link == nil {
		c.logger.Debug().Str("peer", string(from)).Msg("candidate without a link ignored")
		return
	}

	link.AddCandidate(candidate.Candidate)
}

func (c *Coordinator) send(ctx context.Context, to core.UserID, payload signal.Payload) {
	c.mu.Lock()
	sessionID, selfID := c.sessionID, c.selfID
	c.mu.Unlock()

	msg, err := signal.NewMessage(sessionID, selfID, to, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("peer", string(to)).Str("kind", string(payload.Kind())).Msg("can't encode signal")
		return
	}

	c.relay.Send(ctx, msg)
}
