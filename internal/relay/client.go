package relay

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/telemetry"
)

const defaultDedupeSize = 1024

var (
	ErrAlreadyStarted = errors.New("relay client is already started")
	ErrClosed         = errors.New("relay client is closed")
)

// Client subscribes one participant to its mailbox and sends messages to others.
// Each message is dispatched at most once and deleted right after dispatch.
type Client struct {
	store    Store
	notifier Notifier

	mu        sync.Mutex
	started   bool
	closed    bool
	sessionID core.SessionID
	selfID    core.UserID
	sub       Subscription
	dispatch  Dispatcher
	seen      *lru.Cache[string, struct{}]
}

type Option func(*Client)

// WithDedupeSize sets how many handled message ids are remembered
func WithDedupeSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.seen, _ = lru.New[string, struct{}](size)
		}
	}
}

func NewClient(store Store, notifier Notifier, opts ...Option) *Client {
	seen, _ := lru.New[string, struct{}](defaultDedupeSize)

	c := &Client{
		store:    store,
		notifier: notifier,
		seen:     seen,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start subscribes to the (session, self) stream, then processes the backlog
// that was stored before the subscription existed, then follows the stream.
func (c *Client) Start(ctx context.Context, sessionID core.SessionID, selfID core.UserID, dispatch Dispatcher) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.sessionID = sessionID
	c.selfID = selfID
	c.dispatch = dispatch
	c.mu.Unlock()

	sub, err := c.notifier.Subscribe(ctx, sessionID, selfID)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	c.sub = sub
	c.mu.Unlock()

	backlog, err := c.store.Pending(ctx, sessionID, selfID)
	if err != nil {
		log.Error().Err(err).Str("service", "relay").Str("session", string(sessionID)).Msg("can't fetch signal backlog")
	}
	for _, msg := range backlog {
		c.handle(msg)
	}

	go c.listen(sub)

	return nil
}

func (c *Client) listen(sub Subscription) {
	for msg := range sub.Channel() {
		c.handle(msg)
	}
}

func (c *Client) handle(msg *core.SignalMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.RecipientID != c.selfID || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.seen.Get(msg.ID); ok {
		c.mu.Unlock()
		log.Debug().Str("service", "relay").Str("id", msg.ID).Msg("skip already handled signal")
		return
	}
	c.seen.Add(msg.ID, struct{}{})
	dispatch := c.dispatch
	c.mu.Unlock()

	if err := dispatch(msg); err != nil {
		log.Error().Err(err).Str("service", "relay").Str("id", msg.ID).Str("kind", string(msg.Kind)).
			Str("from", string(msg.SenderID)).Msg("signal dispatch failed")
	}

	// deleted regardless of the dispatch outcome
	if err := c.store.Delete(context.Background(), msg.ID); err != nil {
		telemetry.Failure("signal_delete", "store")
		log.Error().Err(err).Str("service", "relay").Str("id", msg.ID).Msg("can't delete handled signal")
	}
}

// Send stores and announces the message. Failures are only logged.
func (c *Client) Send(ctx context.Context, msg *core.SignalMessage) {
	logger := log.With().Str("service", "relay").Str("kind", string(msg.Kind)).
		Str("from", string(msg.SenderID)).Str("to", string(msg.RecipientID)).Logger()

	if err := c.store.Insert(ctx, msg); err != nil {
		telemetry.Failure("signal_send", "store")
		logger.Error().Err(err).Msg("can't store signal")
		return
	}

	if err := c.notifier.Publish(ctx, msg); err != nil {
		telemetry.Failure("signal_send", "notify")
		logger.Error().Err(err).Msg("can't notify recipient about signal")
		return
	}

	telemetry.Success("signal_send")
	logger.Debug().Msg("signal sent")
}

// Close stops dispatching, unsubscribes and removes the messages this client sent
// that are still waiting in the mailbox. Safe to call more than once.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	sub := c.sub
	c.mu.Unlock()

	if !started {
		return
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Str("service", "relay").Msg("can't close signal subscription")
		}
	}

	if err := c.store.DeleteBySender(ctx, c.sessionID, c.selfID); err != nil {
		log.Error().Err(err).Str("service", "relay").Str("session", string(c.sessionID)).Msg("can't delete outstanding signals")
	}
}
