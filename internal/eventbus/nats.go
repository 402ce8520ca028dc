package eventbus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
)

// Unsubscriber cancels an event subscription
type Unsubscriber func() error

// NatsBus carries roster and lesson status events
type NatsBus struct {
	nc *nats.Conn
}

func Connect(natsAddr string) (*NatsBus, error) {
	nc, err := nats.Connect(natsAddr, nats.Name("livelook-lesson"))
	if err != nil {
		return nil, err
	}

	return NewNatsBus(nc), nil
}

func NewNatsBus(nc *nats.Conn) *NatsBus {
	return &NatsBus{nc: nc}
}

func (b *NatsBus) PublishRoster(sessionID core.SessionID, event *RosterEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.nc.Publish(rosterSubject(sessionID), data)
}

func (b *NatsBus) PublishStatus(event *StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.nc.Publish(statusSubject(event.SessionID), data)
}

func (b *NatsBus) SubscribeRoster(sessionID core.SessionID, handler func(*RosterEvent)) (Unsubscriber, error) {
	sub, err := b.nc.Subscribe(rosterSubject(sessionID), func(msg *nats.Msg) {
		event := &RosterEvent{}
		if err := json.Unmarshal(msg.Data, event); err != nil {
			log.Error().Err(err).Str("service", "eventbus").Str("subject", msg.Subject).Msg("malformed roster event")
			return
		}
		if err := event.Validate(); err != nil {
			log.Error().Err(err).Str("service", "eventbus").Str("subject", msg.Subject).Msg("")
			return
		}

		handler(event)
	})
	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

func (b *NatsBus) SubscribeStatus(sessionID core.SessionID, handler func(*StatusEvent)) (Unsubscriber, error) {
	sub, err := b.nc.Subscribe(statusSubject(sessionID), func(msg *nats.Msg) {
		event := &StatusEvent{}
		if err := json.Unmarshal(msg.Data, event); err != nil {
			log.Error().Err(err).Str("service", "eventbus").Str("subject", msg.Subject).Msg("malformed status event")
			return
		}

		handler(event)
	})
	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

// Close drains pending events and closes the connection
func (b *NatsBus) Close() error {
	return b.nc.Drain()
}
