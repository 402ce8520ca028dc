package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-lesson/internal/core"
)

const (
	testLesson = core.SessionID("lesson-1")
	userA      = core.UserID("user-a")
	userB      = core.UserID("user-b")
)

type recorder struct {
	mu       sync.Mutex
	received []string
	err      error
}

func (r *recorder) dispatch(msg *core.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received = append(r.received, msg.ID)
	return r.err
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.received...)
}

func newMessage(id string, from, to core.UserID, at time.Time) *core.SignalMessage {
	return &core.SignalMessage{
		ID:          id,
		SessionID:   testLesson,
		SenderID:    from,
		RecipientID: to,
		Kind:        core.SignalICECandidate,
		Payload:     []byte(`{"candidate":{"candidate":""}}`),
		CreatedAt:   at,
	}
}

// pushOnSubscribe publishes a message right after the subscription exists,
// so it is surfaced both by the push stream and by the backlog fetch
type pushOnSubscribe struct {
	*Memory
	msg *core.SignalMessage
}

func (p *pushOnSubscribe) Subscribe(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) (Subscription, error) {
	sub, err := p.Memory.Subscribe(ctx, sessionID, recipientID)
	if err != nil {
		return nil, err
	}
	_ = p.Memory.Publish(ctx, p.msg)

	return sub, nil
}

type failingStore struct {
	*Memory
}

func (failingStore) Insert(context.Context, *core.SignalMessage) error {
	return errors.New("relay is down")
}

func TestBacklogIsProcessedInCreationOrder(t *testing.T) {
	mem := NewMemory()
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, mem.Insert(ctx, newMessage("second", userB, userA, now.Add(time.Second))))
	require.NoError(t, mem.Insert(ctx, newMessage("first", userB, userA, now)))
	require.NoError(t, mem.Insert(ctx, newMessage("not-mine", userA, userB, now)))

	rec := &recorder{}
	client := NewClient(mem, mem)
	require.NoError(t, client.Start(ctx, testLesson, userA, rec.dispatch))
	defer client.Close(ctx)

	assert.Equal(t, []string{"first", "second"}, rec.ids())

	pending, err := mem.Pending(ctx, testLesson, userA)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPushedMessagesAreDispatchedAndDeleted(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	rec := &recorder{}
	receiver := NewClient(mem, mem)
	require.NoError(t, receiver.Start(ctx, testLesson, userA, rec.dispatch))
	defer receiver.Close(ctx)

	sender := NewClient(mem, mem)
	sender.Send(ctx, newMessage("m1", userB, userA, time.Now().UTC()))

	assert.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(mem.Stored()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMessageSurfacedTwiceIsDispatchedOnce(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	msg := newMessage("dup", userB, userA, time.Now().UTC())
	require.NoError(t, mem.Insert(ctx, msg))

	rec := &recorder{}
	client := NewClient(mem, &pushOnSubscribe{Memory: mem, msg: msg})
	require.NoError(t, client.Start(ctx, testLesson, userA, rec.dispatch))
	defer client.Close(ctx)

	// give the push stream time to deliver its copy
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"dup"}, rec.ids())
}

func TestMessageIsDeletedWhenDispatchFails(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, newMessage("bad", userB, userA, time.Now().UTC())))

	rec := &recorder{err: errors.New("no such peer")}
	client := NewClient(mem, mem)
	require.NoError(t, client.Start(ctx, testLesson, userA, rec.dispatch))
	defer client.Close(ctx)

	assert.Equal(t, []string{"bad"}, rec.ids())
	assert.Empty(t, mem.Stored())
}

func TestNothingIsDispatchedAfterClose(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	rec := &recorder{}
	client := NewClient(mem, mem)
	require.NoError(t, client.Start(ctx, testLesson, userA, rec.dispatch))

	// outstanding message sent by userA, removed on close
	NewClient(mem, mem).Send(ctx, newMessage("outgoing", userA, userB, time.Now().UTC()))

	client.Close(ctx)
	client.Close(ctx)

	require.NoError(t, mem.Insert(ctx, newMessage("late", userB, userA, time.Now().UTC())))
	require.NoError(t, mem.Publish(ctx, newMessage("late", userB, userA, time.Now().UTC())))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, rec.ids())
	for _, msg := range mem.Stored() {
		assert.NotEqual(t, userA, msg.SenderID)
	}
	assert.Equal(t, ErrClosed, client.Start(ctx, testLesson, userA, rec.dispatch))
}

func TestSendFailureIsSwallowed(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	rec := &recorder{}
	receiver := NewClient(mem, mem)
	require.NoError(t, receiver.Start(ctx, testLesson, userA, rec.dispatch))
	defer receiver.Close(ctx)

	sender := NewClient(failingStore{mem}, mem)
	sender.Send(ctx, newMessage("lost", userB, userA, time.Now().UTC()))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ids())
	assert.Equal(t, 0, mem.Inserted())
}
