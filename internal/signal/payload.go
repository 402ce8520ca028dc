// Package signal defines the three signaling payloads exchanged between
// participants of a lesson and their wire encoding.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownKind      = errors.New("unknown signal kind")
	ErrMalformedPayload = errors.New("malformed signal payload")
)

// Payload is one of Offer, Answer or ICECandidate
type Payload interface {
	Kind() core.SignalKind
	isPayload()
}

// Offer carries the initiator's session description and its display name
type Offer struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	PeerName string                    `json:"peerName"`
}

// Answer carries the responder's session description
type Answer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// ICECandidate carries one discovered network candidate
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (Offer) Kind() core.SignalKind        { return core.SignalOffer }
func (Answer) Kind() core.SignalKind       { return core.SignalAnswer }
func (ICECandidate) Kind() core.SignalKind { return core.SignalICECandidate }

func (Offer) isPayload()        {}
func (Answer) isPayload()       {}
func (ICECandidate) isPayload() {}

// NewMessage wraps the payload into a message addressed from one participant to another
func NewMessage(sessionID core.SessionID, from, to core.UserID, p Payload) (*core.SignalMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return &core.SignalMessage{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		SenderID:    from,
		RecipientID: to,
		Kind:        p.Kind(),
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Decode returns the typed payload of the message
func Decode(msg *core.SignalMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch msg.Kind {
	case core.SignalOffer:
		offer := Offer{}
		err = json.Unmarshal(msg.Payload, &offer)
		p = offer
	case core.SignalAnswer:
		answer := Answer{}
		err = json.Unmarshal(msg.Payload, &answer)
		p = answer
	case core.SignalICECandidate:
		candidate := ICECandidate{}
		err = json.Unmarshal(msg.Payload, &candidate)
		p = candidate
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return p, nil
}
