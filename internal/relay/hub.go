// Package relay is the signaling relay: a per-session room hub that forwards
// typed messages to every participant of the room, sender included.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 32

type client struct {
	id      domain.ParticipantID
	session domain.SessionID
	role    domain.Role
	name    string

	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type Hub struct {
	readLimit int64
	pingEvery time.Duration

	mu    sync.RWMutex
	rooms map[domain.SessionID]map[domain.ParticipantID]*client
}

func NewHub(readLimit int64, pingEvery time.Duration) *Hub {
	if pingEvery <= 0 {
		pingEvery = 54 * time.Second
	}
	return &Hub{
		readLimit: readLimit,
		pingEvery: pingEvery,
		rooms:     make(map[domain.SessionID]map[domain.ParticipantID]*client),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and starts the read/write pumps.
func (h *Hub) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	cl := &client{
		id:   domain.ParticipantID(uuid.NewString()),
		conn: ws,
		send: make(chan []byte, sendBuffer),
	}
	log.Info().Str("module", "relay").Str("sid", string(cl.id)).Msg("new connection")

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.close()
		log.Info().Str("module", "relay").Str("sid", string(c.id)).Msg("connection closed")
	}()

	if h.readLimit > 0 {
		c.conn.SetReadLimit(h.readLimit)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := domain.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("sid", string(c.id)).Msg("bad envelope")
			continue
		}
		h.handle(c, env)
	}
}

func (h *Hub) handle(c *client, env domain.Envelope) {
	switch env.Type {
	case domain.MsgJoin:
		h.handleJoin(c, env)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICE,
		domain.MsgChat, domain.MsgEvent, domain.MsgSnapshot, domain.MsgFrame:
		// forward to the whole room with the sender stamped, so
		// consumers can filter their own echo
		env.From = c.id
		h.broadcast(c.session, env)
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown message type")
	}
}

func (h *Hub) handleJoin(c *client, env domain.Envelope) {
	if env.SessionID == "" {
		log.Warn().Str("module", "relay").Str("sid", string(c.id)).Msg("join without session id")
		return
	}
	var p domain.JoinPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad join payload")
		return
	}
	c.session = env.SessionID
	c.role = p.Role
	c.name = p.Name

	h.mu.Lock()
	room := h.rooms[c.session]
	if room == nil {
		room = make(map[domain.ParticipantID]*client)
		h.rooms[c.session] = room
	}
	room[c.id] = c
	h.mu.Unlock()

	log.Info().Str("module", "relay").Str("session", string(c.session)).
		Str("role", string(p.Role)).Str("name", p.Name).Msg("joined room")

	// tell the joining client its own id so it can ignore self-echo
	h.sendTo(c, domain.MsgSelfID, domain.SelfIDPayload{SID: c.id})

	h.BroadcastEvent(domain.IntegrityEvent{
		SessionID: c.session,
		Role:      p.Role,
		Name:      p.Name,
		Type:      domain.EventSystem,
		Detail:    map[string]any{"message": p.Name + " (" + string(p.Role) + ") joined"},
		Timestamp: time.Now(),
	})
}

// BroadcastEvent pushes an integrity event to the session's room. Used by
// the hub itself and by the REST log endpoint for the live timeline.
func (h *Hub) BroadcastEvent(ev domain.IntegrityEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal event")
		return
	}
	h.broadcast(ev.SessionID, domain.Envelope{
		Type:      domain.MsgEvent,
		SessionID: ev.SessionID,
		Data:      data,
	})
}

func (h *Hub) broadcast(sid domain.SessionID, env domain.Envelope) {
	if sid == "" {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal envelope")
		return
	}
	h.mu.RLock()
	room := h.rooms[sid]
	peers := make([]*client, 0, len(room))
	for _, cl := range room {
		peers = append(peers, cl)
	}
	h.mu.RUnlock()

	for _, cl := range peers {
		if err := cl.trySend(raw); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("sid", string(cl.id)).Msg("drop message")
		}
	}
}

func (h *Hub) sendTo(c *client, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal payload")
		return
	}
	raw, err := json.Marshal(domain.Envelope{Type: msgType, SessionID: c.session, Data: data})
	if err != nil {
		return
	}
	if err := c.trySend(raw); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", string(c.id)).Msg("drop message")
	}
}

func (h *Hub) unregister(c *client) {
	if c.session == "" {
		return
	}
	h.mu.Lock()
	if room, ok := h.rooms[c.session]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, c.session)
		}
	}
	h.mu.Unlock()
}
