package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("interviewer")
	require.NoError(t, err)
	assert.Equal(t, RoleInterviewer, role)

	role, err = ParseRole("interviewee")
	require.NoError(t, err)
	assert.Equal(t, RoleInterviewee, role)

	for _, bad := range []string{"", "observer", "Interviewer"} {
		_, err := ParseRole(bad)
		assert.ErrorIs(t, err, ErrUnknownRole, "role %q", bad)
	}
}

func TestNewParticipant(t *testing.T) {
	p, err := NewParticipant("id-1", RoleInterviewee, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)

	p, err = NewParticipant("id-2", RoleInterviewer, "")
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", p.Name)

	_, err = NewParticipant("id-3", RoleInterviewee, strings.Repeat("x", MaxNameLen+1))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"chat","sessionId":"s1","from":"p1","data":{"message":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, MsgChat, env.Type)
	assert.Equal(t, SessionID("s1"), env.SessionID)
	assert.Equal(t, ParticipantID("p1"), env.From)
	assert.JSONEq(t, `{"message":"hi"}`, string(env.Data))

	_, err = DecodeEnvelope([]byte(`{"sessionId":"s1"}`))
	assert.ErrorIs(t, err, ErrBadEnvelope)

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestDisallowedObject(t *testing.T) {
	assert.True(t, DisallowedObject("cell phone"))
	assert.True(t, DisallowedObject("book"))
	assert.False(t, DisallowedObject("cup"))
	assert.False(t, DisallowedObject("Cell Phone"), "classes match verbatim")
}
