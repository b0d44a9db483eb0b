// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxNameLen = 64

var (
	ErrMissingSession = errors.New("missing session id")
	ErrUnknownRole    = errors.New("unknown role")
	ErrNameTooLong    = errors.New("name too long")
)

type SessionID string

// Role is fixed for a participant's lifetime in the session.
// Exactly one interviewer and one interviewee per session.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleInterviewee Role = "interviewee"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInterviewer, RoleInterviewee:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// ParticipantID is assigned by the relay transport on join.
type ParticipantID string

type Participant struct {
	ID   ParticipantID `json:"id"`
	Role Role          `json:"role"`
	Name string        `json:"name"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, role Role, name string) (*Participant, error) {
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	if name == "" {
		name = "Anonymous"
	}
	return &Participant{ID: id, Role: role, Name: name}, nil
}
