package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorlink/proctorlink/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newTestRelay runs handler for each websocket connection and returns the
// ws:// URL.
func newTestRelay(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func serverSend(t *testing.T, conn *websocket.Conn, msgType string, sid domain.SessionID, from domain.ParticipantID, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(domain.Envelope{Type: msgType, SessionID: sid, From: from, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := domain.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

func TestJoinHandshakeAssignsIdentity(t *testing.T) {
	joined := make(chan domain.Envelope, 1)
	url := newTestRelay(t, func(conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		joined <- env
		serverSend(t, conn, domain.MsgSelfID, env.SessionID, "", domain.SelfIDPayload{SID: "sock-42"})
		time.Sleep(200 * time.Millisecond)
	})

	ch, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer ch.Close()

	assert.Empty(t, ch.SelfID(), "no identity before the handshake")
	require.NoError(t, ch.Join(context.Background(), "sess-1", domain.RoleInterviewee, "Alice"))

	env := <-joined
	assert.Equal(t, domain.MsgJoin, env.Type)
	assert.Equal(t, domain.SessionID("sess-1"), env.SessionID)
	var p domain.JoinPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, domain.RoleInterviewee, p.Role)
	assert.Equal(t, "Alice", p.Name)

	assert.Eventually(t, func() bool {
		return ch.SelfID() == "sock-42"
	}, time.Second, 10*time.Millisecond)
}

func TestNegotiationIsHeldUntilIdentityArrives(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // join
		// a peer's offer races ahead of our identity assignment
		serverSend(t, conn, domain.MsgOffer, "sess-1", "peer-1", domain.SDPPayload{SDP: "v=0 offer"})
		time.Sleep(100 * time.Millisecond)
		serverSend(t, conn, domain.MsgSelfID, "sess-1", "", domain.SelfIDPayload{SID: "sock-7"})
		time.Sleep(200 * time.Millisecond)
	})

	ch, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer ch.Close()

	offers := ch.Subscribe(domain.MsgOffer)
	require.NoError(t, ch.Join(context.Background(), "sess-1", domain.RoleInterviewer, "Bob"))

	select {
	case env := <-offers:
		// by the time the offer is deliverable, the self-echo filter works
		assert.Equal(t, domain.ParticipantID("sock-7"), ch.SelfID())
		assert.Equal(t, domain.ParticipantID("peer-1"), env.From)
	case <-time.After(time.Second):
		t.Fatal("buffered offer never flushed")
	}
}

func TestChatNeedsNoIdentity(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // join
		serverSend(t, conn, domain.MsgChat, "sess-1", "peer-1", domain.ChatMessage{Message: "hi"})
		time.Sleep(200 * time.Millisecond)
	})

	ch, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer ch.Close()

	chats := ch.Subscribe(domain.MsgChat)
	require.NoError(t, ch.Join(context.Background(), "sess-1", domain.RoleInterviewer, "Bob"))

	select {
	case env := <-chats:
		var m domain.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &m))
		assert.Equal(t, "hi", m.Message)
		assert.Empty(t, ch.SelfID(), "chat flows before the handshake completes")
	case <-time.After(time.Second):
		t.Fatal("chat not delivered")
	}
}

func TestServerDisconnectClosesDoneAndSubscriptions(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // join, then drop the connection
	})

	ch, err := Dial(context.Background(), url)
	require.NoError(t, err)

	offers := ch.Subscribe(domain.MsgOffer)
	require.NoError(t, ch.Join(context.Background(), "sess-1", domain.RoleInterviewer, "Bob"))

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done never closed")
	}
	_, open := <-offers
	assert.False(t, open, "subscriptions are released as a unit")
}

func TestMalformedEnvelopeIsSkipped(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // join
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`))
		serverSend(t, conn, domain.MsgChat, "sess-1", "peer-1", domain.ChatMessage{Message: "still alive"})
		time.Sleep(200 * time.Millisecond)
	})

	ch, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer ch.Close()

	chats := ch.Subscribe(domain.MsgChat)
	require.NoError(t, ch.Join(context.Background(), "sess-1", domain.RoleInterviewer, "Bob"))

	select {
	case env := <-chats:
		var m domain.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &m))
		assert.Equal(t, "still alive", m.Message)
	case <-time.After(time.Second):
		t.Fatal("valid envelope after malformed one not delivered")
	}
}
