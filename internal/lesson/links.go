package lesson

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/signal"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

// newPeerLocked creates and registers a link, c.mu must be held
func (c *Coordinator) newPeerLocked(peerID core.UserID, peerName string, role rtc.LinkRole) (*peer, error) {
	transport, err := c.transports.NewTransport()
	if err != nil {
		return nil, err
	}

	p := &peer{id: peerID}
	link, err := rtc.NewPeerLink(rtc.PeerLinkParams{
		PeerID:    peerID,
		PeerName:  peerName,
		Role:      role,
		Transport: transport,
		Local:     c.local,
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			if !c.isCurrent(p) {
				return
			}
			c.send(context.Background(), peerID, signal.ICECandidate{Candidate: candidate})
		},
		OnStream: func(stream *rtc.RemoteStream) {
			c.mu.Lock()
			current := c.state == stateRunning && c.links[peerID] == p
			c.mu.Unlock()
			if !current {
				return
			}
			c.emitRemoteStream(peerID, p.link.PeerName(), stream)
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			c.handleState(p, state)
		},
	})
	if err != nil {
		return nil, err
	}
	p.link = link

	if c.lesson.ConnectTimeout > 0 {
		p.connectTimer = time.AfterFunc(c.lesson.ConnectTimeout, func() {
			c.mu.Lock()
			stuck := c.links[peerID] == p && !p.connected
			c.mu.Unlock()
			if stuck {
				telemetry.Failure("peer_connect", "timeout")
				c.dropPeer(p, "connect timeout")
			}
		})
	}

	c.links[peerID] = p
	c.logger.Debug().Str("peer", string(peerID)).Str("role", role.String()).Msg("peer link created")

	return p, nil
}

func (c *Coordinator) isCurrent(p *peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == stateRunning && c.links[p.id] == p
}

func (c *Coordinator) handleState(p *peer, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.state != stateRunning || c.links[p.id] != p {
			c.mu.Unlock()
			return
		}
		p.connected = true
		p.stopTimers()
		p.graceTimer = nil
		if sv, ok := c.supervisors[p.id]; ok {
			sv.stop()
			delete(c.supervisors, p.id)
		}
		c.mu.Unlock()

		c.logger.Info().Str("peer", string(p.id)).Msg("peer connected")
		c.setHealth(p.id, Health{State: HealthConnected})
	case webrtc.PeerConnectionStateDisconnected:
		if c.lesson.DisconnectGrace <= 0 {
			c.dropPeer(p, state.String())
			return
		}

		c.mu.Lock()
		if c.state == stateRunning && c.links[p.id] == p && p.graceTimer == nil {
			p.connected = false
			p.graceTimer = time.AfterFunc(c.lesson.DisconnectGrace, func() {
				c.dropPeer(p, "disconnect grace expired")
			})
		}
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.dropPeer(p, state.String())
	case webrtc.PeerConnectionStateConnecting:
		// a disconnected link may come back before the grace expires
		c.mu.Lock()
		if p.graceTimer != nil {
			p.graceTimer.Stop()
			p.graceTimer = nil
		}
		c.mu.Unlock()
	}
}

// dropPeer removes the link if it is still the registered one, reports the
// departure once and schedules a reconnect when the peer is still around
func (c *Coordinator) dropPeer(p *peer, reason string) {
	c.mu.Lock()
	if c.state != stateRunning || c.links[p.id] != p {
		c.mu.Unlock()
		return
	}
	delete(c.links, p.id)
	p.stopTimers()
	_, onRoster := c.participants[p.id]
	retry := onRoster && c.shouldInitiate(p.id)
	c.mu.Unlock()

	name := p.link.PeerName()
	p.link.Close()

	c.logger.Info().Str("peer", string(p.id)).Str("reason", reason).Msg("peer link removed")

	c.emitRemoteStream(p.id, name, nil)
	c.emitPeerDisconnected(p.id)

	if retry {
		c.scheduleReconnect(p.id, name)
		return
	}
	if onRoster {
		c.setHealth(p.id, Health{State: HealthFailed})
	}
}

func (c *Coordinator) scheduleReconnect(peerID core.UserID, peerName string) {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	sv, ok := c.supervisors[peerID]
	if !ok {
		sv = newSupervisor(c.reconnect)
		c.supervisors[peerID] = sv
	}
	wait, ok := sv.next()
	if !ok {
		delete(c.supervisors, peerID)
		c.mu.Unlock()

		telemetry.Failure("peer_reconnect", "exhausted")
		c.logger.Warn().Str("peer", string(peerID)).Msg("giving up on peer")
		c.setHealth(peerID, Health{State: HealthFailed})
		return
	}
	attempt := sv.attempts
	sv.timer = time.AfterFunc(wait, func() {
		c.reconnectPeer(peerID, peerName)
	})
	c.mu.Unlock()

	c.logger.Info().Str("peer", string(peerID)).Int("attempt", attempt).Dur("in", wait).Msg("reconnect scheduled")
	c.setHealth(peerID, Health{State: HealthRetrying, Attempt: attempt})
}

func (c *Coordinator) reconnectPeer(peerID core.UserID, peerName string) {
	c.mu.Lock()
	_, onRoster := c.participants[peerID]
	running := c.state == stateRunning
	c.mu.Unlock()

	if !running || !onRoster {
		return
	}

	if err := c.ConnectToPeer(context.Background(), peerID, peerName); err != nil {
		c.logger.Error().Err(err).Str("peer", string(peerID)).Msg("reconnect failed")
		c.scheduleReconnect(peerID, peerName)
	}
}

// removePeer closes the link of a peer that left the lesson, without a reconnect
func (c *Coordinator) removePeer(peerID core.UserID) {
	c.mu.Lock()
	p := c.links[peerID]
	if sv, ok := c.supervisors[peerID]; ok {
		sv.stop()
		delete(c.supervisors, peerID)
	}
	delete(c.health, peerID)
	c.mu.Unlock()

	if p != nil {
		c.dropPeer(p, "left the lesson")
	}
}

func (c *Coordinator) setHealth(peerID core.UserID, h Health) {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.health[peerID] = h
	callback := c.onPeerHealth
	c.mu.Unlock()

	if callback != nil {
		callback(peerID, h)
	}
}

func (c *Coordinator) emitRemoteStream(peerID core.UserID, peerName string, stream *rtc.RemoteStream) {
	c.mu.Lock()
	callback := c.onRemoteStream
	running := c.state == stateRunning
	c.mu.Unlock()

	if running && callback != nil {
		callback(peerID, peerName, stream)
	}
}

func (c *Coordinator) emitPeerDisconnected(peerID core.UserID) {
	c.mu.Lock()
	callback := c.onPeerDisconnected
	running := c.state == stateRunning
	c.mu.Unlock()

	if running && callback != nil {
		callback(peerID)
	}
}

func (c *Coordinator) emitRosterChanged() {
	c.mu.Lock()
	callback := c.onRosterChanged
	running := c.state == stateRunning
	list := c.participantsLocked()
	c.mu.Unlock()

	if running && callback != nil {
		callback(list)
	}
}
