package eventbus

import (
	"sync"

	"github.com/isqad/livelook-lesson/internal/core"
)

// LocalBus delivers roster and status events inside one process.
// Handlers run synchronously on the publishing goroutine.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	roster map[core.SessionID]map[int]func(*RosterEvent)
	status map[core.SessionID]map[int]func(*StatusEvent)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		roster: make(map[core.SessionID]map[int]func(*RosterEvent)),
		status: make(map[core.SessionID]map[int]func(*StatusEvent)),
	}
}

func (b *LocalBus) PublishRoster(sessionID core.SessionID, event *RosterEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	handlers := make([]func(*RosterEvent), 0, len(b.roster[sessionID]))
	for _, h := range b.roster[sessionID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}

	return nil
}

func (b *LocalBus) PublishStatus(event *StatusEvent) error {
	b.mu.Lock()
	handlers := make([]func(*StatusEvent), 0, len(b.status[event.SessionID]))
	for _, h := range b.status[event.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}

	return nil
}

func (b *LocalBus) SubscribeRoster(sessionID core.SessionID, handler func(*RosterEvent)) (Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.roster[sessionID] == nil {
		b.roster[sessionID] = make(map[int]func(*RosterEvent))
	}
	b.roster[sessionID][id] = handler

	return func() error {
		b.mu.Lock()
		delete(b.roster[sessionID], id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *LocalBus) SubscribeStatus(sessionID core.SessionID, handler func(*StatusEvent)) (Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.status[sessionID] == nil {
		b.status[sessionID] = make(map[int]func(*StatusEvent))
	}
	b.status[sessionID][id] = handler

	return func() error {
		b.mu.Lock()
		delete(b.status[sessionID], id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *LocalBus) Close() error {
	return nil
}
