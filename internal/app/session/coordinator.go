// Package session wires the signaling channel, the peer link, the detection
// pipeline and the recorder together for one participant.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/app/detect"
	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

var (
	ErrChannelLost = errors.New("signaling channel lost")
	ErrBadRole     = errors.New("coordinator needs a valid role")
)

type Config struct {
	SessionID          domain.SessionID
	Role               domain.Role
	Name               string
	NegotiationTimeout time.Duration
}

// Deps are injected at construction; the coordinator owns their lifecycle
// from Run until teardown. Media, Pipeline and Recorder may be nil depending
// on role and degraded mode.
type Deps struct {
	Channel  core.SignalChannel
	Link     core.PeerLink
	Media    core.MediaSource
	Pipeline *detect.Pipeline
	Bus      core.EventSink
	Store    core.SessionLog
	Recorder core.Recorder
}

type Coordinator struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	muted    bool
	camOff   bool
	stalled  bool
	chats    []domain.ChatMessage
	timeline []domain.IntegrityEvent
	snapshot domain.SnapshotPayload

	pipelineCancel context.CancelFunc
	teardownOnce   sync.Once
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.SessionID == "" {
		return nil, domain.ErrMissingSession
	}
	if cfg.Role != domain.RoleInterviewer && cfg.Role != domain.RoleInterviewee {
		return nil, ErrBadRole
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	return &Coordinator{cfg: cfg, deps: deps}, nil
}

// Run joins the session and drives the negotiation and event loops until ctx
// is canceled or the channel is lost. All resources are released on every
// exit path.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.teardown()

	ch := c.deps.Channel

	// subscribe before join so nothing is missed
	offers := ch.Subscribe(domain.MsgOffer)
	answers := ch.Subscribe(domain.MsgAnswer)
	candidates := ch.Subscribe(domain.MsgICE)
	chats := ch.Subscribe(domain.MsgChat)
	events := ch.Subscribe(domain.MsgEvent)
	snapshots := ch.Subscribe(domain.MsgSnapshot)

	if err := ch.Join(ctx, c.cfg.SessionID, c.cfg.Role, c.cfg.Name); err != nil {
		return err
	}
	if err := c.deps.Store.StartSession(ctx, c.cfg.SessionID, c.cfg.Name); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("start-session failed")
	}

	c.deps.Link.OnLocalCandidate(func(cand domain.ICECandidate) {
		if err := ch.Send(domain.MsgICE, cand); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("forward local candidate failed")
		}
	})

	if c.cfg.Role == domain.RoleInterviewee {
		c.startCallerSide(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.Done():
			return ErrChannelLost
		case env, ok := <-offers:
			if !ok {
				return ErrChannelLost
			}
			c.handleOffer(env)
		case env := <-answers:
			c.handleAnswer(env)
		case env := <-candidates:
			c.handleCandidate(env)
		case env := <-chats:
			c.handleChat(env)
		case env := <-events:
			c.handleEvent(env)
		case env := <-snapshots:
			c.handleSnapshot(env)
		}
	}
}

// startCallerSide acquires media, sends the offer and starts proctoring.
// Camera or model trouble degrades the session instead of ending it.
func (c *Coordinator) startCallerSide(ctx context.Context) {
	if c.deps.Media == nil {
		log.Warn().Str("module", "session").Msg("no local media, continuing degraded")
		c.deps.Bus.Publish(c.event(domain.EventMediaError, map[string]any{
			"error": "no local media",
		}))
		return
	}

	c.deps.Link.OnRemoteTrack(func(core.TrackInfo) {}) // interviewee ignores inbound tracks

	sdp, err := c.deps.Link.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("create offer failed, link stuck")
		return
	}
	if err := c.deps.Channel.Send(domain.MsgOffer, domain.SDPPayload{SDP: sdp}); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("send offer failed")
		return
	}
	c.armNegotiationDeadline()

	if c.deps.Pipeline != nil {
		pctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.pipelineCancel = cancel
		c.mu.Unlock()
		go c.deps.Pipeline.Run(pctx)
	}
}

func (c *Coordinator) selfEcho(env domain.Envelope) bool {
	self := c.deps.Channel.SelfID()
	return env.From != "" && env.From == self
}

func (c *Coordinator) handleOffer(env domain.Envelope) {
	if c.selfEcho(env) || c.cfg.Role != domain.RoleInterviewer {
		return
	}
	var p domain.SDPPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad offer payload")
		return
	}
	answer, err := c.deps.Link.AcceptOffer(p.SDP)
	if err != nil {
		// stuck in negotiating is a reported condition, not a retried one
		log.Error().Err(err).Str("module", "session").Msg("accept offer failed")
		return
	}
	if err := c.deps.Channel.Send(domain.MsgAnswer, domain.SDPPayload{SDP: answer}); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("send answer failed")
		return
	}
	c.armNegotiationDeadline()
}

func (c *Coordinator) handleAnswer(env domain.Envelope) {
	if c.selfEcho(env) || c.cfg.Role != domain.RoleInterviewee {
		return
	}
	var p domain.SDPPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad answer payload")
		return
	}
	if err := c.deps.Link.AcceptAnswer(p.SDP); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("accept answer failed")
	}
}

func (c *Coordinator) handleCandidate(env domain.Envelope) {
	if c.selfEcho(env) {
		return
	}
	var cand domain.ICECandidate
	if err := json.Unmarshal(env.Data, &cand); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad candidate payload")
		return
	}
	if err := c.deps.Link.AddRemoteCandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("add remote candidate failed")
	}
}

func (c *Coordinator) handleChat(env domain.Envelope) {
	var m domain.ChatMessage
	if err := json.Unmarshal(env.Data, &m); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad chat payload")
		return
	}
	c.mu.Lock()
	c.chats = append(c.chats, m)
	c.mu.Unlock()
}

func (c *Coordinator) handleEvent(env domain.Envelope) {
	var ev domain.IntegrityEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad event payload")
		return
	}
	c.mu.Lock()
	c.timeline = append(c.timeline, ev)
	c.mu.Unlock()
}

// handleSnapshot keeps the latest fallback still of the peer, the visual of
// last resort when the media link is degraded.
func (c *Coordinator) handleSnapshot(env domain.Envelope) {
	if c.selfEcho(env) {
		return
	}
	var p domain.SnapshotPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad snapshot payload")
		return
	}
	c.mu.Lock()
	c.snapshot = p
	c.mu.Unlock()
}

// Snapshot returns the most recent still received from the peer.
func (c *Coordinator) Snapshot() domain.SnapshotPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// armNegotiationDeadline bounds a stalled negotiation: after the timeout the
// link is reported as stalled, never retried.
func (c *Coordinator) armNegotiationDeadline() {
	time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		s := c.deps.Link.State()
		if s == core.LinkConnected || s == core.LinkClosed {
			return
		}
		c.mu.Lock()
		c.stalled = true
		c.mu.Unlock()
		log.Error().Str("module", "session").Str("state", s.String()).
			Dur("after", c.cfg.NegotiationTimeout).Msg("negotiation stalled")
	})
}

// SendChat broadcasts a chat message. The relay echoes it back to the whole
// room including us, so local append happens on arrival like everyone else's.
func (c *Coordinator) SendChat(text string) error {
	if text == "" {
		return nil
	}
	return c.deps.Channel.Send(domain.MsgChat, domain.ChatMessage{
		SessionID: c.cfg.SessionID,
		Name:      c.cfg.Name,
		Message:   text,
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) ToggleMic() {
	if c.deps.Media == nil {
		return
	}
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()
	c.deps.Media.SetMicEnabled(!muted)
	typ := domain.EventMicUnmuted
	if muted {
		typ = domain.EventMicMuted
	}
	c.deps.Bus.Publish(c.event(typ, map[string]any{}))
}

func (c *Coordinator) ToggleCamera() {
	if c.deps.Media == nil {
		return
	}
	c.mu.Lock()
	c.camOff = !c.camOff
	off := c.camOff
	c.mu.Unlock()
	c.deps.Media.SetCameraEnabled(!off)
	typ := domain.EventCameraOn
	if off {
		typ = domain.EventCameraOff
	}
	c.deps.Bus.Publish(c.event(typ, map[string]any{}))
}

// StartRecording is only meaningful for the interviewer role.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	if c.cfg.Role != domain.RoleInterviewer || c.deps.Recorder == nil {
		return nil
	}
	return c.deps.Recorder.Start(ctx)
}

func (c *Coordinator) StopRecording(ctx context.Context) error {
	if c.deps.Recorder == nil {
		return nil
	}
	return c.deps.Recorder.Stop(ctx)
}

func (c *Coordinator) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// Chats returns the messages received so far, in arrival order.
func (c *Coordinator) Chats() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.chats))
	copy(out, c.chats)
	return out
}

// Timeline returns the integrity events observed so far.
func (c *Coordinator) Timeline() []domain.IntegrityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.IntegrityEvent, len(c.timeline))
	copy(out, c.timeline)
	return out
}

func (c *Coordinator) event(typ domain.EventType, detail map[string]any) domain.IntegrityEvent {
	return domain.IntegrityEvent{
		SessionID: c.cfg.SessionID,
		Role:      c.cfg.Role,
		Name:      c.cfg.Name,
		Type:      typ,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// teardown releases everything exactly once: timers, recorder, peer, media
// tracks and channel subscriptions. Leaks here are correctness bugs.
func (c *Coordinator) teardown() {
	c.teardownOnce.Do(func() {
		c.deps.Bus.Publish(c.event(domain.EventLeft, map[string]any{
			"message": c.cfg.Name + " left",
		}))

		c.mu.Lock()
		cancel := c.pipelineCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if c.deps.Recorder != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.deps.Recorder.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Str("module", "session").Msg("recorder stop failed")
			}
			stopCancel()
		}
		c.deps.Link.Close()
		if c.deps.Media != nil {
			c.deps.Media.Stop()
		}
		c.deps.Channel.Close()
		log.Info().Str("module", "session").Str("session", string(c.cfg.SessionID)).Msg("session torn down")
	})
}
