package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signaling message types carried over the relay channel.
const (
	MsgJoin     = "join"
	MsgSelfID   = "your-socket-id"
	MsgOffer    = "webrtc-offer"
	MsgAnswer   = "webrtc-answer"
	MsgICE      = "webrtc-ice"
	MsgFrame    = "frame"
	MsgSnapshot = "snapshot"
	MsgChat     = "chat"
	MsgEvent    = "event"
)

var ErrBadEnvelope = errors.New("bad signaling envelope")

// Envelope is the wire format of every signaling message. From is stamped by
// the relay on forwarded messages; the relay broadcasts to the whole room
// including the sender, so consumers must drop envelopes whose From matches
// their own id.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID SessionID       `json:"sessionId,omitempty"`
	From      ParticipantID   `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope validates the tagged union at the boundary.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env, nil
}

type JoinPayload struct {
	Role Role   `json:"role"`
	Name string `json:"name"`
}

type SelfIDPayload struct {
	SID ParticipantID `json:"sid"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// SnapshotPayload is the encoded still-image fallback visual sent to the
// interviewer when live media transport is unavailable.
type SnapshotPayload struct {
	Name  string `json:"name"`
	Image string `json:"image"` // data URI
}
