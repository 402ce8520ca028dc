package lesson

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-lesson/internal/config"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/eventbus"
	"github.com/isqad/livelook-lesson/internal/relay"
	"github.com/isqad/livelook-lesson/internal/rtc"
	"github.com/isqad/livelook-lesson/internal/rtc/rtctest"
	"github.com/isqad/livelook-lesson/internal/signal"
)

func TestTeacherEntersEmptyLesson(t *testing.T) {
	h := newHarness(t)
	teacher := h.newParticipant(userA, "Alice")

	local := h.enter(teacher, core.RoleTeacher)

	require.NotNil(t, local)
	assert.Len(t, local.Tracks(), 2)
	assert.False(t, teacher.coord.Degraded())
	assert.Empty(t, teacher.coord.Peers())
	assert.Empty(t, teacher.factory.Transports())
	assert.Equal(t, 0, h.store.count())
}

func TestStudentInitiatesToExistingParticipant(t *testing.T) {
	h := newHarness(t)
	h.roster.join(userA, "Alice", core.RoleTeacher)
	student := h.newParticipant(userB, "Bob")

	h.enter(student, core.RoleStudent)

	assert.Equal(t, []core.UserID{userA}, student.coord.Peers())
	assert.Len(t, student.factory.Transports(), 1)

	offers := h.store.sentBy(userB, userA, core.SignalOffer)
	require.Len(t, offers, 1)

	payload, err := signal.Decode(offers[0])
	require.NoError(t, err)
	offer, ok := payload.(signal.Offer)
	require.True(t, ok)
	assert.Equal(t, "Bob", offer.PeerName)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)
}

func TestOfferCreatesResponderAndAnswer(t *testing.T) {
	h := newHarness(t)
	teacher := h.newParticipant(userA, "Alice")
	student := h.newParticipant(userB, "Bob")

	h.enter(teacher, core.RoleTeacher)
	h.enter(student, core.RoleStudent)

	assert.Eventually(t, func() bool {
		return len(h.store.sentBy(userA, userB, core.SignalAnswer)) == 1
	}, waitFor, tick)

	link := teacher.coord.Link(userB)
	require.NotNil(t, link)
	assert.Equal(t, rtc.Responder, link.Role)
	assert.Equal(t, "Bob", link.PeerName())
	assert.Empty(t, h.store.sentBy(userA, userB, core.SignalOffer))

	assert.Eventually(t, func() bool { return settled(teacher, student) }, waitFor, tick)
}

func TestLateJoinerIsObservedByEveryone(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")
	c := h.newParticipant(userC, "Carol")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	h.announce(userC, "Carol", core.RoleStudent)

	assert.Len(t, h.store.sentBy(userA, userC, core.SignalOffer), 1)
	assert.Len(t, h.store.sentBy(userB, userC, core.SignalOffer), 1)

	_, err := c.coord.Initialize(context.Background(), testLesson, userC, "Carol")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return settled(a, c) && settled(b, c)
	}, waitFor, tick)

	assert.Nil(t, c.coord.Link(userC))
	assert.Empty(t, h.store.sentBy(userC, userC, core.SignalOffer))
	assert.Equal(t, []core.UserID{userA, userB}, c.coord.Peers())
	assert.Equal(t, []core.UserID{userB, userC}, a.coord.Peers())
	assert.Equal(t, []core.UserID{userA, userC}, b.coord.Peers())
}

func TestTransportFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	transport := b.transport(userA)
	transport.EmitState(webrtc.PeerConnectionStateConnected)
	transport.EmitState(webrtc.PeerConnectionStateFailed)
	transport.EmitState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, 1, b.disconnectsOf(userA))
	assert.Empty(t, b.coord.Peers())
	assert.Eventually(t, transport.Closed, waitFor, tick)

	last, ok := b.lastStream(userA)
	require.True(t, ok)
	assert.Nil(t, last.stream)

	health, ok := b.coord.Health(userA)
	require.True(t, ok)
	assert.Equal(t, HealthFailed, health.State)

	assert.Equal(t, []core.UserID{userB}, a.coord.Peers())
	assert.Equal(t, 0, a.disconnectsOf(userB))
}

func TestConnectToPeerIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	h.enter(a, core.RoleTeacher)

	ctx := context.Background()
	require.NoError(t, a.coord.ConnectToPeer(ctx, userB, "Bob"))
	require.NoError(t, a.coord.ConnectToPeer(ctx, userB, "Bob"))

	assert.Equal(t, []core.UserID{userB}, a.coord.Peers())
	assert.Len(t, a.factory.Transports(), 1)
	assert.Len(t, h.store.sentBy(userA, userB, core.SignalOffer), 1)
}

func TestConnectToSelfIsNoop(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")

	// before initialization the identity is unknown, nothing may happen either
	require.NoError(t, a.coord.ConnectToPeer(context.Background(), userA, "Alice"))

	h.enter(a, core.RoleTeacher)
	require.NoError(t, a.coord.ConnectToPeer(context.Background(), userA, "Alice"))

	assert.Empty(t, a.coord.Peers())
	assert.Empty(t, a.factory.Transports())
	assert.Equal(t, 0, h.store.count())
}

func TestCleanupIsTotal(t *testing.T) {
	h := newHarness(t)
	h.roster.join(userA, "Alice", core.RoleTeacher)
	h.roster.join(userC, "Carol", core.RoleStudent)
	b := h.newParticipant(userB, "Bob")

	local := h.enter(b, core.RoleStudent)
	require.NotNil(t, local)
	require.Len(t, b.coord.Peers(), 2)

	ctx := context.Background()
	b.coord.Cleanup(ctx)
	b.coord.Cleanup(ctx)

	assert.Empty(t, b.coord.Peers())
	for _, track := range local.Tracks() {
		assert.True(t, track.Stopped())
	}
	for _, transport := range b.factory.Transports() {
		assert.Eventually(t, transport.Closed, waitFor, tick)
	}

	// own outstanding offers are gone
	for _, msg := range h.mem.Stored() {
		assert.NotEqual(t, userB, msg.SenderID)
	}

	offer, err := signal.NewMessage(testLesson, userA, userB, signal.Offer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "late"},
		PeerName: "Alice",
	})
	require.NoError(t, err)
	require.NoError(t, h.mem.Insert(ctx, offer))
	require.NoError(t, h.mem.Publish(ctx, offer))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.coord.Peers())
	assert.Len(t, b.factory.Transports(), 2)
	assert.Len(t, h.mem.Stored(), 1)

	_, err = b.coord.Initialize(ctx, testLesson, userB, "Bob")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCaptureFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.roster.join(userA, "Alice", core.RoleTeacher)
	b := h.newParticipant(userB, "Bob", withCapturer(&rtctest.MockCapturer{Err: rtc.ErrCaptureUnavailable}))

	local := h.enter(b, core.RoleStudent)

	assert.Nil(t, local)
	assert.True(t, b.coord.Degraded())
	assert.Nil(t, b.coord.LocalStream())

	// the session goes on receive-only
	transport := b.transport(userA)
	require.NotNil(t, transport)
	assert.Empty(t, transport.Tracks())
	assert.Len(t, transport.RecvOnly(), 2)
	assert.Len(t, h.store.sentBy(userB, userA, core.SignalOffer), 1)

	assert.NotPanics(t, func() { b.coord.ToggleVideo(false) })
}

type brokenRelay struct {
	closed int
}

func (r *brokenRelay) Start(context.Context, core.SessionID, core.UserID, relay.Dispatcher) error {
	return errors.New("redis is down")
}
func (r *brokenRelay) Send(context.Context, *core.SignalMessage) {}
func (r *brokenRelay) Close(context.Context)                     { r.closed++ }

func TestRelayFailureFailsInitialize(t *testing.T) {
	h := newHarness(t)
	h.roster.join(userA, "Alice", core.RoleTeacher)
	broken := &brokenRelay{}
	b := h.newParticipant(userB, "Bob", withRelay(broken))

	local, err := b.coord.Initialize(context.Background(), testLesson, userB, "Bob")

	assert.Error(t, err)
	assert.Nil(t, local)
	assert.Empty(t, b.coord.Peers())
	assert.Equal(t, 1, broken.closed)

	streams := b.capturer.Streams()
	require.Len(t, streams, 1)
	for _, track := range streams[0].Tracks() {
		assert.True(t, track.Stopped())
	}
}

func TestToggleGatesLocalTracks(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	local := h.enter(a, core.RoleTeacher)
	require.NotNil(t, local)

	a.coord.ToggleVideo(false)
	a.coord.ToggleAudio(true)

	for _, track := range local.Tracks() {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			assert.False(t, track.Enabled())
		} else {
			assert.True(t, track.Enabled())
		}
	}

	a.coord.ToggleVideo(true)
	for _, track := range local.Tracks() {
		assert.True(t, track.Enabled())
	}
}

func TestRemoteStreamIsSurfaced(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	transport := a.transport(userB)
	transport.EmitTrack(&rtctest.MockRemoteTrack{TrackID: "video", Stream: "bob-cam", TrackKind: webrtc.RTPCodecTypeVideo})

	event, ok := a.lastStream(userB)
	require.True(t, ok)
	assert.Equal(t, "Bob", event.peerName)
	require.NotNil(t, event.stream)
	assert.Equal(t, "bob-cam", event.stream.ID)
}

func TestCollidingOffersResolveByUserID(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	// both sides lose the link and offer again at the same time
	a.transport(userB).EmitState(webrtc.PeerConnectionStateClosed)
	b.transport(userA).EmitState(webrtc.PeerConnectionStateClosed)

	ctx := context.Background()
	require.NoError(t, a.coord.ConnectToPeer(ctx, userB, "Bob"))
	require.NoError(t, b.coord.ConnectToPeer(ctx, userA, "Alice"))

	assert.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)
	assert.Equal(t, rtc.Initiator, a.coord.Link(userB).Role)
	assert.Equal(t, rtc.Responder, b.coord.Link(userA).Role)
	assert.Equal(t, 1, a.disconnectsOf(userB))
	assert.Equal(t, 1, b.disconnectsOf(userA))
}

func TestOfferArrivingWhileOursIsCreated(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	a.transport(userB).EmitState(webrtc.PeerConnectionStateClosed)
	b.transport(userA).EmitState(webrtc.PeerConnectionStateClosed)

	// the next offer of Bob stays in creation until released
	creating := make(chan struct{})
	release := make(chan struct{})
	b.factory.OnCreate = func(transport *rtctest.MockTransport) {
		transport.BeforeOffer = func() {
			close(creating)
			<-release
		}
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- b.coord.ConnectToPeer(ctx, userA, "Alice") }()

	select {
	case <-creating:
	case <-time.After(waitFor):
		t.Fatal("offer creation did not start")
	}

	require.NoError(t, a.coord.ConnectToPeer(ctx, userB, "Bob"))

	// Bob withdraws the offer in creation and answers Alice
	require.Eventually(t, func() bool {
		link := b.coord.Link(userA)
		return link != nil && link.Role == rtc.Responder
	}, waitFor, tick)

	close(release)
	require.NoError(t, <-done)

	assert.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)
	assert.Equal(t, rtc.Initiator, a.coord.Link(userB).Role)
	assert.Len(t, h.store.sentBy(userB, userA, core.SignalOffer), 1)
	assert.Len(t, h.store.sentBy(userB, userA, core.SignalAnswer), 1)
}

func TestLowerIDPolicy(t *testing.T) {
	h := newHarness(t)
	policy := withLesson(config.LessonConfig{InitiatorPolicy: config.PolicyLowerID})
	a := h.newParticipant(userA, "Alice", policy)
	b := h.newParticipant(userB, "Bob", policy)

	h.roster.join(userA, "Alice", core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	assert.Empty(t, b.coord.Peers())
	assert.Empty(t, h.store.sentBy(userB, userA, core.SignalOffer))

	h.enter(a, core.RoleTeacher)
	assert.Len(t, h.store.sentBy(userA, userB, core.SignalOffer), 1)

	assert.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)
	assert.Empty(t, h.store.sentBy(userB, userA, core.SignalOffer))
}

func TestParticipantLeaving(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	left := time.Now().UTC()
	row := &core.Participant{SessionID: testLesson, UserID: userB, DisplayName: "Bob", LeftAt: &left}
	require.NoError(t, h.bus.PublishRoster(testLesson, &eventbus.RosterEvent{Type: eventbus.EventUpdate, Participant: row}))

	assert.Equal(t, []core.UserID{}, a.coord.Peers())
	assert.Equal(t, 1, a.disconnectsOf(userB))
	for _, p := range a.coord.Participants() {
		assert.NotEqual(t, userB, p.UserID)
	}

	// no reconnect to someone who left
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.factory.Transports(), 1)
}

func TestHandRaiseDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	row := &core.Participant{SessionID: testLesson, UserID: userB, DisplayName: "Bob", HandRaised: true, JoinedAt: time.Now().UTC()}
	require.NoError(t, h.bus.PublishRoster(testLesson, &eventbus.RosterEvent{Type: eventbus.EventUpdate, Participant: row}))

	assert.Len(t, a.factory.Transports(), 1)

	var raised bool
	for _, p := range a.coord.Participants() {
		if p.UserID == userB {
			raised = p.HandRaised
		}
	}
	assert.True(t, raised)
}

func TestLessonEndCleansUp(t *testing.T) {
	h := newHarness(t)
	a := h.newParticipant(userA, "Alice")
	b := h.newParticipant(userB, "Bob")

	h.enter(a, core.RoleTeacher)
	localB := h.enter(b, core.RoleStudent)
	require.Eventually(t, func() bool { return settled(a, b) }, waitFor, tick)

	require.NoError(t, h.bus.PublishStatus(&eventbus.StatusEvent{SessionID: testLesson, Status: core.SessionEnded}))

	b.mu.Lock()
	assert.Equal(t, []core.SessionID{testLesson}, b.ended)
	b.mu.Unlock()

	assert.Empty(t, a.coord.Peers())
	assert.Empty(t, b.coord.Peers())
	for _, track := range localB.Tracks() {
		assert.True(t, track.Stopped())
	}
	assert.Equal(t, 0, b.disconnectsOf(userA))
}
