// Package signal implements the relay-side message bus client.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

const (
	writeWait    = 5 * time.Second
	pingEvery    = 30 * time.Second
	subBuffer    = 32
	pendingLimit = 64
)

// Channel is a websocket connection to the relay. It implements
// core.SignalChannel. Inbound offer/answer/ICE envelopes are withheld until
// the relay has told us our own id, so the consumer's self-echo filter can
// never silently no-op.
type Channel struct {
	conn      *websocket.Conn
	sessionID domain.SessionID

	writeMu sync.Mutex

	mu      sync.Mutex
	selfID  domain.ParticipantID
	subs    map[string][]chan domain.Envelope
	pending []domain.Envelope
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ core.SignalChannel = (*Channel)(nil)

// Dial connects to the relay websocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Channel{
		conn: conn,
		subs: make(map[string][]chan domain.Envelope),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Channel) Join(ctx context.Context, sid domain.SessionID, role domain.Role, name string) error {
	if sid == "" {
		return domain.ErrMissingSession
	}
	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	return c.Send(domain.MsgJoin, domain.JoinPayload{Role: role, Name: name})
}

func (c *Channel) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	c.mu.Lock()
	env := domain.Envelope{Type: msgType, SessionID: c.sessionID, Data: data}
	c.mu.Unlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

func (c *Channel) Subscribe(msgType string) <-chan domain.Envelope {
	ch := make(chan domain.Envelope, subBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs[msgType] = append(c.subs[msgType], ch)
	return ch
}

func (c *Channel) SelfID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		alreadyClosed := c.closed
		c.mu.Unlock()
		_ = c.conn.Close()
		if !alreadyClosed {
			// readLoop exits on the closed conn and releases subscriptions
			<-c.done
		}
	})
}

func (c *Channel) readLoop() {
	defer c.release()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Str("module", "signal").Msg("relay connection lost")
			}
			return
		}
		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("dropping malformed envelope")
			continue
		}
		c.dispatch(env)
	}
}

// needsIdentity reports whether acting on the envelope requires the self-echo
// filter, i.e. our own id must be known first.
func needsIdentity(msgType string) bool {
	switch msgType {
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICE:
		return true
	}
	return false
}

func (c *Channel) dispatch(env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Type == domain.MsgSelfID {
		var p domain.SelfIDPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("bad self-id payload")
			return
		}
		c.selfID = p.SID
		log.Info().Str("module", "signal").Str("self_id", string(p.SID)).Msg("identity assigned")
		held := c.pending
		c.pending = nil
		for _, e := range held {
			c.deliverLocked(e)
		}
		return
	}

	if c.selfID == "" && needsIdentity(env.Type) {
		if len(c.pending) < pendingLimit {
			c.pending = append(c.pending, env)
		} else {
			log.Warn().Str("module", "signal").Str("type", env.Type).Msg("pre-identity buffer full, dropping")
		}
		return
	}

	c.deliverLocked(env)
}

func (c *Channel) deliverLocked(env domain.Envelope) {
	for _, ch := range c.subs[env.Type] {
		select {
		case ch <- env:
		default:
			log.Warn().Str("module", "signal").Str("type", env.Type).Msg("subscriber backpressure, dropping")
		}
	}
}

func (c *Channel) release() {
	c.mu.Lock()
	c.closed = true
	for _, chans := range c.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	c.subs = make(map[string][]chan domain.Envelope)
	c.mu.Unlock()
	_ = c.conn.Close()
	close(c.done)
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
