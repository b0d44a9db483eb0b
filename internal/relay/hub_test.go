package relay

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/domain"
	"github.com/proctorlink/proctorlink/internal/relay/storage"
	"github.com/proctorlink/proctorlink/internal/relay/store"
)

type relayFixture struct {
	srv   *httptest.Server
	hub   *Hub
	store *store.Store
	blobs storage.Storage
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := storage.NewLocal(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	hub := NewHub(1<<20, time.Minute)
	cfg := &config.RelayConfig{Mode: "release"}
	r := SetupRouter(cfg, hub, st, blobs, nil)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relayFixture{srv: srv, hub: hub, store: st, blobs: blobs}
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *relayFixture) dial(t *testing.T) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msgType string, sid domain.SessionID, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	raw, err := json.Marshal(domain.Envelope{Type: msgType, SessionID: sid, Data: data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

// next reads envelopes until one of the wanted type arrives.
func (c *wsClient) next(msgType string) domain.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", msgType)
		env, err := domain.DecodeEnvelope(raw)
		require.NoError(c.t, err)
		if env.Type == msgType {
			return env
		}
	}
}

// join performs the room handshake and returns the assigned id.
func (c *wsClient) join(sid domain.SessionID, role domain.Role, name string) domain.ParticipantID {
	c.t.Helper()
	c.send(domain.MsgJoin, sid, domain.JoinPayload{Role: role, Name: name})
	env := c.next(domain.MsgSelfID)
	var p domain.SelfIDPayload
	require.NoError(c.t, json.Unmarshal(env.Data, &p))
	require.NotEmpty(c.t, p.SID)
	return p.SID
}

func TestJoinAssignsDistinctIDs(t *testing.T) {
	f := newRelayFixture(t)

	a := f.dial(t).join("sess-1", domain.RoleInterviewee, "Alice")
	b := f.dial(t).join("sess-1", domain.RoleInterviewer, "Bob")

	assert.NotEqual(t, a, b)
}

func TestJoinAnnouncesToTheRoom(t *testing.T) {
	f := newRelayFixture(t)

	first := f.dial(t)
	first.join("sess-1", domain.RoleInterviewer, "Bob")

	second := f.dial(t)
	second.join("sess-1", domain.RoleInterviewee, "Alice")

	env := first.next(domain.MsgEvent)
	var ev domain.IntegrityEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	// the first join announcement may arrive before or after ours
	for ev.Name != "Alice" {
		env = first.next(domain.MsgEvent)
		require.NoError(t, json.Unmarshal(env.Data, &ev))
	}
	assert.Equal(t, domain.EventSystem, ev.Type)
	assert.Equal(t, domain.RoleInterviewee, ev.Role)
}

func TestForwardedMessagesReachEveryoneWithSenderStamped(t *testing.T) {
	f := newRelayFixture(t)

	alice := f.dial(t)
	aliceID := alice.join("sess-1", domain.RoleInterviewee, "Alice")
	bob := f.dial(t)
	bob.join("sess-1", domain.RoleInterviewer, "Bob")

	alice.send(domain.MsgOffer, "sess-1", domain.SDPPayload{SDP: "v=0 test"})

	for _, c := range []*wsClient{alice, bob} {
		env := c.next(domain.MsgOffer)
		assert.Equal(t, aliceID, env.From, "relay stamps the sender")
		var p domain.SDPPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, "v=0 test", p.SDP)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newRelayFixture(t)

	alice := f.dial(t)
	alice.join("sess-1", domain.RoleInterviewee, "Alice")
	stranger := f.dial(t)
	stranger.join("sess-2", domain.RoleInterviewee, "Mallory")

	stranger.send(domain.MsgChat, "sess-2", domain.ChatMessage{Message: "wrong room"})
	// the stranger gets the echo, Alice must not
	stranger.next(domain.MsgChat)

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		_, raw, err := alice.conn.ReadMessage()
		if err != nil {
			break // timeout, nothing leaked
		}
		env, derr := domain.DecodeEnvelope(raw)
		require.NoError(t, derr)
		require.NotEqual(t, domain.MsgChat, env.Type, "chat leaked across rooms")
	}
}

func TestUnknownTypeIsDropped(t *testing.T) {
	f := newRelayFixture(t)

	c := f.dial(t)
	c.join("sess-1", domain.RoleInterviewee, "Alice")
	c.send("teleport", "sess-1", map[string]any{})

	// the connection stays usable
	c.send(domain.MsgChat, "sess-1", domain.ChatMessage{Message: "still here"})
	env := c.next(domain.MsgChat)
	var m domain.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, "still here", m.Message)
}
