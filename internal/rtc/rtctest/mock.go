// Package rtctest provides in-memory transports and capture for tests of
// code built on the rtc package.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/rtc"
)

var errWrongSignalingState = errors.New("wrong signaling state")

// MockTransport is an in-memory rtc.Transport following the offer/answer state rules
type MockTransport struct {
	Name string

	mu             sync.Mutex
	state          webrtc.SignalingState
	tracks         []webrtc.TrackLocal
	recvOnly       []webrtc.RTPCodecType
	remote         *webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	closed         bool
	offers         int
	FailAddTrack   error
	FailCandidates error
	// BeforeOffer runs at the start of CreateOffer, outside the lock
	BeforeOffer func()

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(rtc.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func NewMockTransport(name string) *MockTransport {
	return &MockTransport{Name: name, state: webrtc.SignalingStateStable}
}

func (t *MockTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailAddTrack != nil {
		return t.FailAddTrack
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *MockTransport) AddRecvOnly(kind webrtc.RTPCodecType) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recvOnly = append(t.recvOnly, kind)
	return nil
}

func (t *MockTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	before := t.BeforeOffer
	t.mu.Unlock()
	if before != nil {
		before()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, io.ErrClosedPipe
	}
	if t.state != webrtc.SignalingStateStable {
		return nil, errWrongSignalingState
	}
	t.offers++
	t.state = webrtc.SignalingStateHaveLocalOffer

	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s %d", t.Name, t.offers),
	}, nil
}

func (t *MockTransport) CreateAnswer() (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, io.ErrClosedPipe
	}
	if t.state != webrtc.SignalingStateHaveRemoteOffer {
		return nil, errWrongSignalingState
	}
	t.state = webrtc.SignalingStateStable

	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + t.Name}, nil
}

func (t *MockTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return io.ErrClosedPipe
	}

	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if t.state != webrtc.SignalingStateStable {
			return errWrongSignalingState
		}
		t.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if t.state != webrtc.SignalingStateHaveLocalOffer {
			return errWrongSignalingState
		}
		t.state = webrtc.SignalingStateStable
	default:
		return errWrongSignalingState
	}
	t.remote = &sdp

	return nil
}

func (t *MockTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailCandidates != nil {
		return t.FailCandidates
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *MockTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *MockTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = f
	t.mu.Unlock()
}

func (t *MockTransport) OnTrack(f func(rtc.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *MockTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	return nil
}

// EmitCandidate simulates a gathered local candidate
func (t *MockTransport) EmitCandidate(candidate string) {
	t.mu.Lock()
	f := t.onCandidate
	t.mu.Unlock()

	if f != nil {
		f(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitTrack simulates a received remote track
func (t *MockTransport) EmitTrack(track rtc.RemoteTrack) {
	t.mu.Lock()
	f := t.onTrack
	t.mu.Unlock()

	if f != nil {
		f(track)
	}
}

// EmitState simulates a connection state change
func (t *MockTransport) EmitState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()

	if f != nil {
		f(state)
	}
}

func (t *MockTransport) Tracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]webrtc.TrackLocal(nil), t.tracks...)
}

func (t *MockTransport) RecvOnly() []webrtc.RTPCodecType {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]webrtc.RTPCodecType(nil), t.recvOnly...)
}

func (t *MockTransport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *MockTransport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remote
}

func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

// MockFactory hands out MockTransports and remembers them in creation order
type MockFactory struct {
	Name string
	Err  error
	// OnCreate sees every transport before it is handed out
	OnCreate func(*MockTransport)

	mu         sync.Mutex
	transports []*MockTransport
}

func NewMockFactory(name string) *MockFactory {
	return &MockFactory{Name: name}
}

func (f *MockFactory) NewTransport() (rtc.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	t := NewMockTransport(fmt.Sprintf("%s-%d", f.Name, len(f.transports)+1))
	f.transports = append(f.transports, t)
	if f.OnCreate != nil {
		f.OnCreate(t)
	}

	return t, nil
}

func (f *MockFactory) Transports() []*MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*MockTransport(nil), f.transports...)
}

// Last returns the most recently created transport or nil
func (f *MockFactory) Last() *MockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type MockRemoteTrack struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

func (t *MockRemoteTrack) ID() string                { return t.TrackID }
func (t *MockRemoteTrack) StreamID() string          { return t.Stream }
func (t *MockRemoteTrack) Kind() webrtc.RTPCodecType { return t.TrackKind }

// idleSource never produces a sample and returns EOF once closed
type idleSource struct {
	done chan struct{}
	once sync.Once
}

func newIdleSource() *idleSource {
	return &idleSource{done: make(chan struct{})}
}

func (s *idleSource) ReadSample() (media.Sample, error) {
	<-s.done
	return media.Sample{}, io.EOF
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// MockCapturer returns a stream of idle video and audio tracks, or Err
type MockCapturer struct {
	Err error

	mu      sync.Mutex
	streams []*rtc.LocalStream
}

func (c *MockCapturer) Capture(_ context.Context, conf config.CaptureConfig) (*rtc.LocalStream, error) {
	if c.Err != nil {
		return nil, c.Err
	}

	tracks := make([]*rtc.LocalTrack, 0, 2)
	if conf.Video {
		t, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeVideo,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "local", newIdleSource())
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if conf.Audio {
		t, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeAudio,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "local", newIdleSource())
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	s := rtc.NewLocalStream("local", tracks...)

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()

	return s, nil
}

func (c *MockCapturer) Streams() []*rtc.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*rtc.LocalStream(nil), c.streams...)
}
