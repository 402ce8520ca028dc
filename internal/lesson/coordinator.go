// Package lesson coordinates the peer-to-peer media links of one participant
// inside a live lesson: local capture, roster-driven initiation, signaling and
// teardown.
package lesson

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/relay"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/signal"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

var (
	ErrAlreadyInitialized = errors.New("coordinator is already initialized")
	ErrClosed             = errors.New("coordinator is closed")
)

// Relay carries signal messages to and from the local participant
type Relay interface {
	Start(ctx context.Context, sessionID core.SessionID, selfID core.UserID, dispatch relay.Dispatcher) error
	Send(ctx context.Context, msg *core.SignalMessage)
	Close(ctx context.Context)
}

// Roster returns the active participants of a lesson
type Roster interface {
	Active(ctx context.Context, sessionID core.SessionID) ([]*core.Participant, error)
}

// Events delivers roster and lesson status changes
type Events interface {
	SubscribeRoster(sessionID core.SessionID, handler func(*eventbus.RosterEvent)) (eventbus.Unsubscriber, error)
	SubscribeStatus(sessionID core.SessionID, handler func(*eventbus.StatusEvent)) (eventbus.Unsubscriber, error)
}

type CoordinatorParams struct {
	Relay      Relay
	Roster     Roster
	Events     Events
	Transports rtc.TransportFactory
	Capturer   rtc.Capturer

	Capture   config.CaptureConfig
	Lesson    config.LessonConfig
	Reconnect config.ReconnectConfig
}

type coordinatorState int

const (
	stateIdle coordinatorState = iota
	stateRunning
	stateClosed
)

// peer is the registry entry of one remote participant
type peer struct {
	id           core.UserID
	link         *rtc.PeerLink
	connected    bool
	connectTimer *time.Timer
	graceTimer   *time.Timer
}

func (p *peer) stopTimers() {
	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
}

// Coordinator is the single authority over which peers the local participant
// is connected to
type Coordinator struct {
	relay      Relay
	roster     Roster
	events     Events
	transports rtc.TransportFactory
	capturer   rtc.Capturer

	capture   config.CaptureConfig
	lesson    config.LessonConfig
	reconnect config.ReconnectConfig

	// negotiationMu orders outgoing offers and answers
	negotiationMu sync.Mutex

	mu           sync.Mutex
	state        coordinatorState
	sessionID    core.SessionID
	selfID       core.UserID
	selfName     string
	logger       zerolog.Logger
	ready        chan struct{}
	local        *rtc.LocalStream
	degraded     bool
	videoEnabled bool
	audioEnabled bool
	links        map[core.UserID]*peer
	participants map[core.UserID]*core.Participant
	supervisors  map[core.UserID]*supervisor
	health       map[core.UserID]Health
	unsubscribe  []eventbus.Unsubscriber

	onRemoteStream     func(core.UserID, string, *rtc.RemoteStream)
	onPeerDisconnected func(core.UserID)
	onPeerHealth       func(core.UserID, Health)
	onRosterChanged    func([]*core.Participant)
	onSessionEnded     func(core.SessionID)
}

func NewCoordinator(params CoordinatorParams) *Coordinator {
	if params.Lesson.InitiatorPolicy == "" {
		params.Lesson.InitiatorPolicy = config.PolicyObserver
	}

	return &Coordinator{
		relay:        params.Relay,
		roster:       params.Roster,
		events:       params.Events,
		transports:   params.Transports,
		capturer:     params.Capturer,
		capture:      params.Capture,
		lesson:       params.Lesson,
		reconnect:    params.Reconnect,
		logger:       log.With().Str("service", "coordinator").Logger(),
		videoEnabled: true,
		audioEnabled: true,
		links:        make(map[core.UserID]*peer),
		participants: make(map[core.UserID]*core.Participant),
		supervisors:  make(map[core.UserID]*supervisor),
		health:       make(map[core.UserID]Health),
	}
}

// OnRemoteStream is called when the media of a peer arrives or, with a nil stream, is gone
func (c *Coordinator) OnRemoteStream(callback func(peerID core.UserID, peerName string, stream *rtc.RemoteStream)) {
	c.mu.Lock()
	c.onRemoteStream = callback
	c.mu.Unlock()
}

// OnPeerDisconnected is called once per torn down link
func (c *Coordinator) OnPeerDisconnected(callback func(peerID core.UserID)) {
	c.mu.Lock()
	c.onPeerDisconnected = callback
	c.mu.Unlock()
}

func (c *Coordinator) OnPeerHealth(callback func(peerID core.UserID, health Health)) {
	c.mu.Lock()
	c.onPeerHealth = callback
	c.mu.Unlock()
}

func (c *Coordinator) OnRosterChanged(callback func(participants []*core.Participant)) {
	c.mu.Lock()
	c.onRosterChanged = callback
	c.mu.Unlock()
}

func (c *Coordinator) OnSessionEnded(callback func(sessionID core.SessionID)) {
	c.mu.Lock()
	c.onSessionEnded = callback
	c.mu.Unlock()
}

// Initialize joins the signaling of the lesson, captures local media and
// initiates links to the participants already present. A capture failure
// leaves the coordinator degraded with a nil stream, only a relay failure
// is returned.
func (c *Coordinator) Initialize(ctx context.Context, sessionID core.SessionID, userID core.UserID, displayName string) (*rtc.LocalStream, error) {
	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		return nil, ErrAlreadyInitialized
	case stateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.state = stateRunning
	c.sessionID = sessionID
	c.selfID = userID
	c.selfName = displayName
	c.ready = make(chan struct{})
	c.logger = log.With().Str("service", "coordinator").Str("session", string(sessionID)).Str("user", string(userID)).Logger()
	ready := c.ready
	c.mu.Unlock()

	// capture runs alongside the relay subscription, signals wait for it
	go func() {
		defer close(ready)
		c.captureLocal(ctx)
	}()

	err := c.relay.Start(ctx, sessionID, userID, func(msg *core.SignalMessage) error {
		<-ready
		return c.dispatch(msg)
	})
	<-ready
	if err != nil {
		c.logger.Error().Err(err).Msg("can't subscribe to signals")
		c.Cleanup(ctx)
		return nil, err
	}

	telemetry.SessionStarted()

	c.subscribeEvents()

	participants, err := c.roster.Active(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Msg("can't fetch roster snapshot")
	}

	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	for _, p := range participants {
		c.participants[p.UserID] = p
	}
	local := c.local
	c.mu.Unlock()

	c.emitRosterChanged()

	var wg sync.WaitGroup
	for _, p := range participants {
		if p.UserID == userID || !c.shouldInitiate(p.UserID) {
			continue
		}

		wg.Add(1)
		go func(p *core.Participant) {
			defer wg.Done()
			if err := c.ConnectToPeer(ctx, p.UserID, p.DisplayName); err != nil {
				c.logger.Error().Err(err).Str("peer", string(p.UserID)).Msg("can't connect to peer")
			}
		}(p)
	}
	wg.Wait()

	return local, nil
}

func (c *Coordinator) captureLocal(ctx context.Context) {
	local, err := c.capturer.Capture(ctx, c.capture)
	if err != nil {
		c.logger.Warn().Err(err).Msg("local media is unavailable, continue without it")
		telemetry.Failure("capture", "device")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateRunning {
		if local != nil {
			local.Stop()
		}
		return
	}
	if local == nil {
		c.degraded = true
		return
	}

	local.SetEnabled(webrtc.RTPCodecTypeVideo, c.videoEnabled)
	local.SetEnabled(webrtc.RTPCodecTypeAudio, c.audioEnabled)
	c.local = local
}

func (c *Coordinator) subscribeEvents() {
	if c.events == nil {
		return
	}

	unsubRoster, err := c.events.SubscribeRoster(c.sessionID, c.handleRosterEvent)
	if err != nil {
		c.logger.Error().Err(err).Msg("can't subscribe to roster changes")
	}
	unsubStatus, err := c.events.SubscribeStatus(c.sessionID, c.handleStatusEvent)
	if err != nil {
		c.logger.Error().Err(err).Msg("can't subscribe to lesson status")
	}

	c.mu.Lock()
	for _, unsub := range []eventbus.Unsubscriber{unsubRoster, unsubStatus} {
		if unsub != nil {
			c.unsubscribe = append(c.unsubscribe, unsub)
		}
	}
	closed := c.state != stateRunning
	c.mu.Unlock()

	// Cleanup raced with the subscription
	if closed {
		c.unsubscribeEvents()
	}
}

func (c *Coordinator) unsubscribeEvents() {
	c.mu.Lock()
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		if err := unsub(); err != nil {
			c.logger.Error().Err(err).Msg("can't unsubscribe from events")
		}
	}
}

// shouldInitiate applies the initiator policy to the pair (self, peerID)
func (c *Coordinator) shouldInitiate(peerID core.UserID) bool {
	if c.lesson.InitiatorPolicy == config.PolicyLowerID {
		return c.selfID < peerID
	}
	return true
}

// ConnectToPeer creates an initiator link and sends the offer.
// It is a no-op for self and for a peer that already has a link.
func (c *Coordinator) ConnectToPeer(ctx context.Context, peerID core.UserID, peerName string) error {
	c.mu.Lock()
	if c.state != stateRunning || peerID == c.selfID {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.links[peerID]; ok {
		c.mu.Unlock()
		return nil
	}

	p, err := c.newPeerLocked(peerID, peerName, rtc.Initiator)
	if err != nil {
		c.mu.Unlock()
		telemetry.Failure("peer_connect", "transport")
		return err
	}
	c.mu.Unlock()

	c.setHealth(peerID, Health{State: HealthConnecting})

	offer, err := p.link.CreateOffer()

	c.negotiationMu.Lock()
	// a colliding offer of the peer withdrew the link meanwhile
	if !c.isCurrent(p) {
		c.negotiationMu.Unlock()
		c.logger.Debug().Str("peer", string(peerID)).Msg("withdrawn offer not sent")
		return nil
	}
	if err != nil {
		c.negotiationMu.Unlock()
		telemetry.Failure("peer_connect", "offer")
		c.dropPeer(p, "offer failed")
		return err
	}
	c.send(ctx, peerID, signal.Offer{SDP: *offer, PeerName: c.selfName})
	c.negotiationMu.Unlock()

	telemetry.Success("peer_connect")

	return nil
}

func (c *Coordinator) ToggleVideo(enabled bool) {
	c.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

func (c *Coordinator) ToggleAudio(enabled bool) {
	c.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

// toggle gates the local tracks in place, links are not renegotiated
func (c *Coordinator) toggle(kind webrtc.RTPCodecType, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == webrtc.RTPCodecTypeVideo {
		c.videoEnabled = enabled
	} else {
		c.audioEnabled = enabled
	}
	if c.local != nil {
		c.local.SetEnabled(kind, enabled)
	}
}

// Cleanup closes every link, stops local capture, leaves the relay and the
// events and removes the outstanding signals of the local user. Safe to call
// more than once, no callback fires afterwards.
func (c *Coordinator) Cleanup(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasRunning := c.state == stateRunning
	c.state = stateClosed

	peers := make([]*peer, 0, len(c.links))
	for _, p := range c.links {
		p.stopTimers()
		peers = append(peers, p)
	}
	c.links = make(map[core.UserID]*peer)
	for _, sv := range c.supervisors {
		sv.stop()
	}
	c.supervisors = make(map[core.UserID]*supervisor)
	local := c.local
	c.mu.Unlock()

	c.unsubscribeEvents()
	c.relay.Close(ctx)

	for _, p := range peers {
		p.link.Close()
	}
	if local != nil {
		local.Stop()
	}

	if wasRunning {
		telemetry.SessionStopped()
		c.logger.Info().Int("links", len(peers)).Msg("left the lesson")
	}
}

// Degraded reports whether the participant runs without local media
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.degraded
}

func (c *Coordinator) LocalStream() *rtc.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local
}

// Peers returns the ids of the linked peers in order
func (c *Coordinator) Peers() []core.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]core.UserID, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Link returns the link to the peer or nil
func (c *Coordinator) Link(peerID core.UserID) *rtc.PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.links[peerID]; ok {
		return p.link
	}
	return nil
}

func (c *Coordinator) Health(peerID core.UserID) (Health, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.health[peerID]
	return h, ok
}

// Participants returns the cached roster ordered by join time
func (c *Coordinator) Participants() []*core.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.participantsLocked()
}

func (c *Coordinator) participantsLocked() []*core.Participant {
	list := make([]*core.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		cp := *p
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].UserID < list[j].UserID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})

	return list
}
