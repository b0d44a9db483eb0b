// Package core defines the ports between the session coordinator and its
// adapters. Implementations live under internal/adapters; the coordinator
// receives constructed instances and never reaches for ambient globals.
package core

import (
	"context"

	"github.com/proctorlink/proctorlink/internal/domain"
)

// SignalChannel is the session-scoped message bus over the relay transport.
// Delivery is at-least-once; ordering is guaranteed per sender only.
// Self-echo filtering is the consumer's responsibility.
type SignalChannel interface {
	// Join registers this connection in the session's room.
	Join(ctx context.Context, sid domain.SessionID, role domain.Role, name string) error
	// Send emits a typed message to the room.
	Send(msgType string, payload any) error
	// Subscribe returns a stream of inbound envelopes of the given type.
	// All subscriptions are released as a unit when the channel closes.
	Subscribe(msgType string) <-chan domain.Envelope
	// SelfID is the transport-assigned identifier, or "" before the
	// handshake completes.
	SelfID() domain.ParticipantID
	// Done is closed when the channel connection is lost. Loss of the
	// channel is fatal to the active session.
	Done() <-chan struct{}
	Close()
}

// LinkState is the peer negotiation state. Transitions only move forward;
// Closed is terminal.
type LinkState int32

const (
	LinkIdle LinkState = iota
	LinkGatheringMedia
	LinkOffering
	LinkAwaitingOffer
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkGatheringMedia:
		return "gathering-local-media"
	case LinkOffering:
		return "offering"
	case LinkAwaitingOffer:
		return "awaiting-offer"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// TrackInfo is a transport-free view of a media track on the link.
type TrackInfo struct {
	ID   string
	Kind string // "audio" or "video"
}

// PeerLink drives the offer/answer/ICE state machine for one participant.
// Only a single negotiation per session is supported.
type PeerLink interface {
	// CreateOffer builds the peer connection with the local tracks,
	// sets the local description and returns the offer SDP. Caller side.
	CreateOffer() (string, error)
	// AcceptOffer lazily constructs the peer connection, applies the
	// remote offer and returns the answer SDP. Callee side.
	AcceptOffer(sdp string) (string, error)
	// AcceptAnswer applies the remote answer on the caller side.
	AcceptAnswer(sdp string) error
	// AddRemoteCandidate applies an inbound ICE candidate. Candidates
	// arriving before a remote description exists are buffered and
	// flushed exactly once when it is set.
	AddRemoteCandidate(c domain.ICECandidate) error
	// OnLocalCandidate registers the forwarder for locally gathered
	// candidates. Must be called before negotiation starts.
	OnLocalCandidate(fn func(domain.ICECandidate))
	// OnRemoteTrack fires for every inbound track attached to the link.
	OnRemoteTrack(fn func(TrackInfo))
	RemoteTracks() []TrackInfo
	State() LinkState
	Close()
}

// MediaSource is the local media capture capability: encoded still frames
// for the detection pipeline plus per-track enable control.
type MediaSource interface {
	// Grab returns the current frame as an encoded JPEG.
	Grab(ctx context.Context) ([]byte, error)
	// SetMicEnabled toggles the audio track; reports the new state.
	SetMicEnabled(on bool) bool
	// SetCameraEnabled toggles the video track; reports the new state.
	SetCameraEnabled(on bool) bool
	Stop()
}

// ObjectDetector is a black-box detect(frame) -> detections function.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, frame []byte) ([]domain.Detection, error)
}

// FaceDetector returns one entry per detected face.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame []byte) ([]domain.Face, error)
}

// EventSink accepts integrity events for fan-out.
type EventSink interface {
	Publish(ev domain.IntegrityEvent)
}

// SessionLog is the persistence service contract. All calls except
// FetchReport are fire-and-forget from the core's perspective.
type SessionLog interface {
	StartSession(ctx context.Context, sid domain.SessionID, name string) error
	LogEvent(ctx context.Context, ev domain.IntegrityEvent) error
	UploadVideo(ctx context.Context, sid domain.SessionID, name string, blob []byte) error
	FetchReport(ctx context.Context, sid domain.SessionID) ([]byte, error)
}

// Recorder captures an output stream into a local buffer and uploads it on
// stop. Stop without a prior Start is a no-op.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Recording() bool
}
