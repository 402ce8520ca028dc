package signal

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageOfferWireFormat(t *testing.T) {
	offer := Offer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		PeerName: "Bob",
	}

	msg, err := NewMessage("lesson-1", "user-b", "user-a", offer)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, core.SignalOffer, msg.Kind)
	assert.Equal(t, core.UserID("user-b"), msg.SenderID)
	assert.Equal(t, core.UserID("user-a"), msg.RecipientID)
	assert.False(t, msg.CreatedAt.IsZero())

	fields := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(msg.Payload, &fields))
	assert.Contains(t, fields, "sdp")
	assert.JSONEq(t, `"Bob"`, string(fields["peerName"]))

	decoded, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, offer, decoded)
}

func TestDecodeCandidate(t *testing.T) {
	msg := &core.SignalMessage{
		Kind:    core.SignalICECandidate,
		Payload: json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host","sdpMid":"0"}}`),
	}

	p, err := Decode(msg)
	require.NoError(t, err)

	c, ok := p.(ICECandidate)
	require.True(t, ok)
	require.NotNil(t, c.Candidate.SDPMid)
	assert.Equal(t, "0", *c.Candidate.SDPMid)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(&core.SignalMessage{Kind: "renegotiate", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Decode(&core.SignalMessage{Kind: core.SignalAnswer, Payload: json.RawMessage(`{"sdp":`)})
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}
