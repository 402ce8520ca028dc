package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

var (
	ErrLinkClosed       = errors.New("peer link is closed")
	ErrNotInitiator     = errors.New("peer link did not send an offer")
	ErrUnexpectedAnswer = errors.New("no pending offer for the answer")
)

// LinkRole is the side of the offer/answer exchange a link plays
type LinkRole int

const (
	Initiator LinkRole = iota
	Responder
)

func (r LinkRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// RemoteStream is the media a remote participant sends over its link
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

type PeerLinkParams struct {
	PeerID    core.UserID
	PeerName  string
	Role      LinkRole
	Transport Transport
	// Local is nil when the participant joined without media
	Local *LocalStream

	OnCandidate   func(webrtc.ICECandidateInit)
	OnStream      func(*RemoteStream)
	OnStateChange func(webrtc.PeerConnectionState)
}

// PeerLink owns the transport to exactly one remote participant
type PeerLink struct {
	PeerID core.UserID
	Role   LinkRole

	transport Transport
	logger    zerolog.Logger

	mu                sync.Mutex
	peerName          string
	closed            bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	stream            *RemoteStream
	state             webrtc.PeerConnectionState
}

func NewPeerLink(params PeerLinkParams) (*PeerLink, error) {
	l := &PeerLink{
		PeerID:            params.PeerID,
		Role:              params.Role,
		transport:         params.Transport,
		peerName:          params.PeerName,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
		state:             webrtc.PeerConnectionStateNew,
		logger: log.With().Str("service", "peerlink").Str("peer", string(params.PeerID)).
			Str("role", params.Role.String()).Logger(),
	}

	// tracks go in before any negotiation so the first offer carries them
	if params.Local != nil {
		for _, t := range params.Local.Tracks() {
			if err := l.transport.AddTrack(t.Track()); err != nil {
				_ = l.transport.Close()
				return nil, err
			}
		}
	}
	if params.Role == Initiator {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if params.Local != nil && params.Local.HasKind(kind) {
				continue
			}
			if err := l.transport.AddRecvOnly(kind); err != nil {
				_ = l.transport.Close()
				return nil, err
			}
		}
	}

	l.transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if l.isClosed() || params.OnCandidate == nil {
			return
		}
		params.OnCandidate(candidate)
	})

	l.transport.OnTrack(func(track RemoteTrack) {
		stream := l.addRemoteTrack(track)
		if stream == nil || params.OnStream == nil {
			return
		}
		params.OnStream(stream)
	})

	l.transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Debug().Str("state", state.String()).Msg("connection state changed")

		l.mu.Lock()
		l.state = state
		l.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			telemetry.Success("ice_connection")
		case webrtc.PeerConnectionStateFailed:
			telemetry.Failure("ice_connection", "state_failed")
		}

		if params.OnStateChange != nil {
			params.OnStateChange(state)
		}
	})

	telemetry.PeerLinkOpened()

	return l, nil
}

// addRemoteTrack keeps the first stream, a track of another stream replaces it.
// Returns a snapshot of the current stream or nil once closed.
func (l *PeerLink) addRemoteTrack(track RemoteTrack) *RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	if l.stream == nil || l.stream.ID != track.StreamID() {
		if l.stream != nil {
			l.logger.Info().Str("old", l.stream.ID).Str("new", track.StreamID()).Msg("remote stream replaced")
		}
		l.stream = &RemoteStream{ID: track.StreamID()}
	}
	l.stream.Tracks = append(l.stream.Tracks, track)

	return &RemoteStream{
		ID:     l.stream.ID,
		Tracks: append([]RemoteTrack(nil), l.stream.Tracks...),
	}
}

func (l *PeerLink) Transport() Transport {
	return l.transport
}

func (l *PeerLink) PeerName() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.peerName
}

func (l *PeerLink) SetPeerName(name string) {
	if name == "" {
		return
	}

	l.mu.Lock()
	l.peerName = name
	l.mu.Unlock()
}

func (l *PeerLink) State() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Stream returns the current remote stream or nil
func (l *PeerLink) Stream() *RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stream == nil {
		return nil
	}
	return &RemoteStream{ID: l.stream.ID, Tracks: append([]RemoteTrack(nil), l.stream.Tracks...)}
}

// CreateOffer creates the offer and sets it as the local description
func (l *PeerLink) CreateOffer() (*webrtc.SessionDescription, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	if l.Role != Initiator {
		return nil, ErrNotInitiator
	}

	offer, err := l.transport.CreateOffer()
	if err != nil {
		return nil, err
	}
	l.logger.Debug().Msg("offer created")

	return offer, nil
}

// AcceptOffer applies the remote offer and returns the answer set as the local description
func (l *PeerLink) AcceptOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}

	if err := l.setRemoteDescription(offer); err != nil {
		return nil, err
	}

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		return nil, err
	}
	l.logger.Debug().Msg("answer created")

	return answer, nil
}

func (l *PeerLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if l.Role != Initiator || l.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrUnexpectedAnswer
	}

	return l.setRemoteDescription(answer)
}

func (l *PeerLink) setRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := l.transport.SetRemoteDescription(sdp); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingCandidates
	l.pendingCandidates = make([]webrtc.ICECandidateInit, 0)
	l.mu.Unlock()

	for _, candidate := range pending {
		l.addCandidate(candidate)
	}

	return nil
}

// AddCandidate queues the candidate until a remote description exists.
// Failures are logged: late or duplicate candidates are expected.
func (l *PeerLink) AddCandidate(candidate webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if !l.remoteSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.addCandidate(candidate)
}

func (l *PeerLink) addCandidate(candidate webrtc.ICECandidateInit) {
	if err := l.transport.AddICECandidate(candidate); err != nil {
		l.logger.Warn().Err(err).Str("candidate", candidate.Candidate).Msg("can't add ICE candidate")
	}
}

// HasPendingOffer reports whether the link offers and has no answer yet.
// It holds while the offer is still being created.
func (l *PeerLink) HasPendingOffer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.Role == Initiator && !l.remoteSet && !l.closed
}

func (l *PeerLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed
}

// Close tears the transport down, local tracks stay untouched. Safe to call more than once.
func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.stream = nil
	l.pendingCandidates = nil
	l.mu.Unlock()

	l.logger.Debug().Msg("close peer link")
	telemetry.PeerLinkClosed()

	// Close may block while candidates are gathered
	go func() {
		if err := l.transport.Close(); err != nil {
			l.logger.Error().Err(err).Msg("can't close transport")
		}
	}()
}
