package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/relay"
)

type Channel string

const (
	SignalInserts Channel = "signals"
)

func (c Channel) buildChannel(sessionID core.SessionID, recipientID core.UserID) string {
	return string(c) + ":" + string(sessionID) + ":" + string(recipientID)
}

// RedisBus is the part of redis pub/sub consumed by a signal subscription
type RedisBus interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// SignalBus announces inserted signal messages to their recipients
type SignalBus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building SignalBus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *SignalBus {
	return &SignalBus{rdb: rdb}
}

func (e *SignalBus) Publish(ctx context.Context, msg *core.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return e.rdb.Publish(ctx, SignalInserts.buildChannel(msg.SessionID, msg.RecipientID), payload).Err()
}

func (e *SignalBus) Subscribe(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) (relay.Subscription, error) {
	pubsub := e.rdb.Subscribe(ctx, SignalInserts.buildChannel(sessionID, recipientID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return NewSignalSubscription(pubsub), nil
}

// SignalSubscription decodes redis messages of one mailbox into signal messages
type SignalSubscription struct {
	bus  RedisBus
	out  chan *core.SignalMessage
	done chan struct{}
	once sync.Once
}

func NewSignalSubscription(bus RedisBus) *SignalSubscription {
	s := &SignalSubscription{
		bus:  bus,
		out:  make(chan *core.SignalMessage),
		done: make(chan struct{}),
	}
	go s.decode()

	return s
}

func (s *SignalSubscription) decode() {
	defer close(s.out)

	// If the Go channel
	// is blocked full for 30 seconds the message is dropped.
	messages := s.bus.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-messages:
			if !ok {
				return
			}

			msg := &core.SignalMessage{}
			if err := json.Unmarshal([]byte(m.Payload), msg); err != nil {
				log.Error().Err(err).Str("service", "eventbus").Str("channel", m.Channel).Msg("malformed signal notification")
				continue
			}

			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *SignalSubscription) Channel() <-chan *core.SignalMessage {
	return s.out
}

func (s *SignalSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.bus.Close()
	})

	return err
}
