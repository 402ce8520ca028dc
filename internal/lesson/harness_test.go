package lesson

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/relay"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/rtc/rtctest"
)

const (
	testLesson = core.SessionID("lesson-1")
	userA      = core.UserID("user-a")
	userB      = core.UserID("user-b")
	userC      = core.UserID("user-c")

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeRoster struct {
	mu   sync.Mutex
	rows map[core.UserID]*core.Participant
}

func (r *fakeRoster) Active(_ context.Context, sessionID core.SessionID) ([]*core.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := []*core.Participant{}
	for _, p := range r.rows {
		if p.SessionID == sessionID && p.Active() {
			cp := *p
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.Before(list[j].JoinedAt) })

	return list, nil
}

func (r *fakeRoster) join(id core.UserID, name string, role core.Role) *core.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &core.Participant{
		SessionID:   testLesson,
		UserID:      id,
		DisplayName: name,
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	}
	r.rows[id] = p

	return p
}

// recordingStore remembers every signal ever inserted
type recordingStore struct {
	*relay.Memory

	mu   sync.Mutex
	sent []*core.SignalMessage
}

func (s *recordingStore) Insert(ctx context.Context, msg *core.SignalMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	return s.Memory.Insert(ctx, msg)
}

func (s *recordingStore) sentBy(from, to core.UserID, kind core.SignalKind) []*core.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := []*core.SignalMessage{}
	for _, msg := range s.sent {
		if msg.SenderID == from && msg.RecipientID == to && msg.Kind == kind {
			list = append(list, msg)
		}
	}
	return list
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sent)
}

type harness struct {
	t      *testing.T
	mem    *relay.Memory
	store  *recordingStore
	bus    *eventbus.LocalBus
	roster *fakeRoster
}

func newHarness(t *testing.T) *harness {
	mem := relay.NewMemory()

	return &harness{
		t:      t,
		mem:    mem,
		store:  &recordingStore{Memory: mem},
		bus:    eventbus.NewLocalBus(),
		roster: &fakeRoster{rows: make(map[core.UserID]*core.Participant)},
	}
}

type streamEvent struct {
	peerID   core.UserID
	peerName string
	stream   *rtc.RemoteStream
}

type participant struct {
	id       core.UserID
	name     string
	coord    *Coordinator
	factory  *rtctest.MockFactory
	capturer *rtctest.MockCapturer

	mu          sync.Mutex
	disconnects []core.UserID
	streams     []streamEvent
	health      []Health
	ended       []core.SessionID
	rosters     [][]*core.Participant
}

type paramsOption func(*CoordinatorParams)

func withLesson(conf config.LessonConfig) paramsOption {
	return func(p *CoordinatorParams) { p.Lesson = conf }
}

func withReconnect(conf config.ReconnectConfig) paramsOption {
	return func(p *CoordinatorParams) { p.Reconnect = conf }
}

func withCapturer(capturer *rtctest.MockCapturer) paramsOption {
	return func(p *CoordinatorParams) { p.Capturer = capturer }
}

func withRelay(r Relay) paramsOption {
	return func(p *CoordinatorParams) { p.Relay = r }
}

func (h *harness) newParticipant(id core.UserID, name string, opts ...paramsOption) *participant {
	p := &participant{
		id:       id,
		name:     name,
		factory:  rtctest.NewMockFactory(string(id)),
		capturer: &rtctest.MockCapturer{},
	}

	params := CoordinatorParams{
		Relay:      relay.NewClient(h.store, h.mem),
		Roster:     h.roster,
		Events:     h.bus,
		Transports: p.factory,
		Capturer:   p.capturer,
		Capture:    config.CaptureConfig{Video: true, Audio: true},
		Lesson:     config.LessonConfig{InitiatorPolicy: config.PolicyObserver},
		Reconnect:  config.ReconnectConfig{MaxAttempts: 0},
	}
	for _, opt := range opts {
		opt(&params)
	}
	if params.Capturer != p.capturer {
		p.capturer = params.Capturer.(*rtctest.MockCapturer)
	}

	p.coord = NewCoordinator(params)
	p.coord.OnPeerDisconnected(func(peerID core.UserID) {
		p.mu.Lock()
		p.disconnects = append(p.disconnects, peerID)
		p.mu.Unlock()
	})
	p.coord.OnRemoteStream(func(peerID core.UserID, peerName string, stream *rtc.RemoteStream) {
		p.mu.Lock()
		p.streams = append(p.streams, streamEvent{peerID: peerID, peerName: peerName, stream: stream})
		p.mu.Unlock()
	})
	p.coord.OnPeerHealth(func(peerID core.UserID, health Health) {
		p.mu.Lock()
		p.health = append(p.health, health)
		p.mu.Unlock()
	})
	p.coord.OnSessionEnded(func(sessionID core.SessionID) {
		p.mu.Lock()
		p.ended = append(p.ended, sessionID)
		p.mu.Unlock()
	})
	p.coord.OnRosterChanged(func(list []*core.Participant) {
		p.mu.Lock()
		p.rosters = append(p.rosters, list)
		p.mu.Unlock()
	})

	h.t.Cleanup(func() { p.coord.Cleanup(context.Background()) })

	return p
}

// enter adds the participant to the roster and initializes its coordinator
func (h *harness) enter(p *participant, role core.Role) *rtc.LocalStream {
	h.roster.join(p.id, p.name, role)

	local, err := p.coord.Initialize(context.Background(), testLesson, p.id, p.name)
	require.NoError(h.t, err)

	return local
}

// announce publishes the roster insert the lesson service would emit on join
func (h *harness) announce(id core.UserID, name string, role core.Role) {
	row := h.roster.join(id, name, role)
	require.NoError(h.t, h.bus.PublishRoster(testLesson, &eventbus.RosterEvent{Type: eventbus.EventInsert, Participant: row}))
}

func (p *participant) disconnectsOf(peerID core.UserID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, id := range p.disconnects {
		if id == peerID {
			n++
		}
	}
	return n
}

func (p *participant) lastStream(peerID core.UserID) (streamEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.streams) - 1; i >= 0; i-- {
		if p.streams[i].peerID == peerID {
			return p.streams[i], true
		}
	}
	return streamEvent{}, false
}

func (p *participant) healthLog() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Health(nil), p.health...)
}

// transport returns the mock transport behind the link to the peer
func (p *participant) transport(peerID core.UserID) *rtctest.MockTransport {
	link := p.coord.Link(peerID)
	if link == nil {
		return nil
	}
	return link.Transport().(*rtctest.MockTransport)
}

// settled reports whether both sides hold a link to each other with no offer in flight
func settled(a, b *participant) bool {
	la, lb := a.coord.Link(b.id), b.coord.Link(a.id)
	if la == nil || lb == nil {
		return false
	}
	return !la.HasPendingOffer() && !lb.HasPendingOffer() &&
		a.transport(b.id).Remote() != nil && b.transport(a.id).Remote() != nil
}
