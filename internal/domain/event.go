package domain

import "time"

type EventType string

const (
	EventObjectDetected   EventType = "object_detected"
	EventNoFace           EventType = "no_face"
	EventMultipleFaces    EventType = "multiple_faces"
	EventLookingAway      EventType = "looking_away"
	EventMicMuted         EventType = "mic_muted"
	EventMicUnmuted       EventType = "mic_unmuted"
	EventCameraOn         EventType = "camera_on"
	EventCameraOff        EventType = "camera_off"
	EventMediaError       EventType = "media_error"
	EventRecordingStarted EventType = "recording_started"
	EventRecordingUpload  EventType = "recording_uploaded"
	EventLeft             EventType = "left"
	EventSystem           EventType = "system"
)

// IntegrityEvent is immutable once created: append-only, never re-attributed.
type IntegrityEvent struct {
	SessionID SessionID      `json:"sessionId"`
	Role      Role           `json:"role"`
	Name      string         `json:"name"`
	Type      EventType      `json:"type"`
	Detail    map[string]any `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChatMessage is append-only, ordered by arrival.
type ChatMessage struct {
	SessionID SessionID `json:"sessionId"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
