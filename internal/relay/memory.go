package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
)

const memorySubscriptionBuffer = 256

type mailboxKey struct {
	sessionID   core.SessionID
	recipientID core.UserID
}

// Memory is an in-process mailbox implementing both Store and Notifier.
// It serves single-process lessons and tests.
type Memory struct {
	mu       sync.Mutex
	messages map[string]*core.SignalMessage
	subs     map[mailboxKey][]*memorySubscription
	inserted int
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]*core.SignalMessage),
		subs:     make(map[mailboxKey][]*memorySubscription),
	}
}

func (m *Memory) Insert(_ context.Context, msg *core.SignalMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ID] = msg
	m.inserted++

	return nil
}

func (m *Memory) Pending(_ context.Context, sessionID core.SessionID, recipientID core.UserID) ([]*core.SignalMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := []*core.SignalMessage{}
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.RecipientID == recipientID {
			pending = append(pending, msg)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return pending, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.messages, id)
	m.mu.Unlock()

	return nil
}

func (m *Memory) DeleteBySender(_ context.Context, sessionID core.SessionID, senderID core.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, msg := range m.messages {
		if msg.SessionID == sessionID && msg.SenderID == senderID {
			delete(m.messages, id)
		}
	}

	return nil
}

// Stored returns the messages still waiting in the mailbox
func (m *Memory) Stored() []*core.SignalMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]*core.SignalMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		stored = append(stored, msg)
	}

	return stored
}

// Inserted is the number of messages ever inserted
func (m *Memory) Inserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inserted
}

func (m *Memory) Publish(_ context.Context, msg *core.SignalMessage) error {
	key := mailboxKey{sessionID: msg.SessionID, recipientID: msg.RecipientID}

	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[key]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}

	return nil
}

func (m *Memory) Subscribe(_ context.Context, sessionID core.SessionID, recipientID core.UserID) (Subscription, error) {
	key := mailboxKey{sessionID: sessionID, recipientID: recipientID}
	sub := &memorySubscription{
		ch:     make(chan *core.SignalMessage, memorySubscriptionBuffer),
		key:    key,
		parent: m,
	}

	m.mu.Lock()
	m.subs[key] = append(m.subs[key], sub)
	m.mu.Unlock()

	return sub, nil
}

func (m *Memory) unsubscribe(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[sub.key]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.key]) == 0 {
		delete(m.subs, sub.key)
	}
}

type memorySubscription struct {
	mu     sync.Mutex
	closed bool
	ch     chan *core.SignalMessage
	key    mailboxKey
	parent *Memory
}

func (s *memorySubscription) deliver(msg *core.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
		log.Warn().Str("service", "relay").Str("id", msg.ID).Msg("memory subscription is full, signal push dropped")
	}
}

func (s *memorySubscription) Channel() <-chan *core.SignalMessage {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.parent.unsubscribe(s)

	return nil
}
