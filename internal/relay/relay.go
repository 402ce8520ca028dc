// Package relay is the client side of the signal mailbox: it delivers directed
// signaling messages between participants of a lesson through a durable store
// and an insert-notify stream.
package relay

import (
	"context"

	"github.com/isqad/livelook-lesson/internal/core"
)

// Store is the durable mailbox of signaling messages
type Store interface {
	Insert(ctx context.Context, msg *core.SignalMessage) error
	Pending(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) ([]*core.SignalMessage, error)
	Delete(ctx context.Context, id string) error
	DeleteBySender(ctx context.Context, sessionID core.SessionID, senderID core.UserID) error
}

// Notifier pushes every inserted message to the subscription of its recipient
type Notifier interface {
	Publish(ctx context.Context, msg *core.SignalMessage) error
	Subscribe(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) (Subscription, error)
}

type Subscription interface {
	Channel() <-chan *core.SignalMessage
	Close() error
}

// Dispatcher handles one incoming message
type Dispatcher func(msg *core.SignalMessage) error
