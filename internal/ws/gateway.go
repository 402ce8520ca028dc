// Package ws pushes the signal mailbox of a participant to browser clients
// over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/relay"
)

const (
	wsSubscriptionSessionKey = "subscription"
	wsUserIDSessionKey       = "userId"
	wsLessonSessionKey       = "lesson"
)

var ErrMissingParams = errors.New("lesson and user are required")

// Subscriber opens the insert stream of one mailbox
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) (relay.Subscription, error)
}

// Gateway forwards every signal inserted for (lesson, user) to the socket of that user
type Gateway struct {
	websocket  *melody.Melody
	subscriber Subscriber
}

func NewGateway(subscriber Subscriber, maxMessageSize int64) *Gateway {
	g := &Gateway{
		websocket:  melody.New(),
		subscriber: subscriber,
	}
	g.websocket.Config.MaxMessageSize = maxMessageSize

	g.websocket.HandleConnect(g.handleConnect)
	g.websocket.HandleDisconnect(g.handleDisconnect)
	g.websocket.HandleMessage(func(s *melody.Session, msg []byte) {
		log.Debug().Str("service", "ws").Int("size", len(msg)).Msg("ignore client message, signals are posted over http")
	})
	g.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	return g
}

// Handler upgrades GET /ws?lesson=&user= requests
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lessonID := core.SessionID(r.URL.Query().Get("lesson"))
		userID := core.UserID(r.URL.Query().Get("user"))
		if lessonID == "" || userID == "" {
			log.Warn().Str("service", "ws").Err(ErrMissingParams).Msg("reject websocket request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		subscription, err := g.subscriber.Subscribe(r.Context(), lessonID, userID)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Str("user", string(userID)).Msg("can't subscribe the user to signaling channel")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		sessKeys := make(map[string]interface{})
		sessKeys[wsSubscriptionSessionKey] = subscription
		sessKeys[wsUserIDSessionKey] = userID
		sessKeys[wsLessonSessionKey] = lessonID

		if err := g.websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle request")
			if err := subscription.Close(); err != nil {
				log.Error().Err(err).Str("service", "ws").Str("user", string(userID)).Msg("close subscription")
			}
		}
	}
}

func (g *Gateway) Close() error {
	return g.websocket.Close()
}

func (g *Gateway) handleConnect(session *melody.Session) {
	subscription, err := getSubscription(session)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("extract subscription")
		closeSession(session)
		return
	}
	userID := session.Keys[wsUserIDSessionKey]

	go func() {
		for msg := range subscription.Channel() {
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Str("service", "ws").Str("id", msg.ID).Msg("can't encode signal")
				continue
			}
			if err := session.Write(data); err != nil {
				// the session is closed
				log.Debug().Err(err).Str("service", "ws").Interface("user", userID).Msg("stop forwarding signals")
				return
			}
		}
	}()

	log.Info().Str("service", "ws").Interface("user", userID).Interface("lesson", session.Keys[wsLessonSessionKey]).Msg("user connected")
}

func (g *Gateway) handleDisconnect(session *melody.Session) {
	subscription, err := getSubscription(session)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("extract subscription")
		return
	}
	if err := subscription.Close(); err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("close subscription")
	}

	log.Info().Str("service", "ws").Interface("user", session.Keys[wsUserIDSessionKey]).Msg("user disconnected")
}

func getSubscription(s *melody.Session) (relay.Subscription, error) {
	sub, ok := s.Keys[wsSubscriptionSessionKey]
	if !ok {
		return nil, fmt.Errorf("no subscription for given session: %+v", s)
	}
	subscription, ok := sub.(relay.Subscription)
	if !ok {
		return nil, fmt.Errorf("can't convert subscription: %+v", sub)
	}
	return subscription, nil
}

func closeSession(s *melody.Session) {
	if err := s.Close(); err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("close session")
	}
}
