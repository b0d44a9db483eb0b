// Package rtc owns the local peer connection and the offer/answer/ICE state
// machine on top of pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

var (
	ErrRenegotiation = errors.New("renegotiation not supported")
	ErrNoPeer        = errors.New("peer connection not created")
	ErrLinkClosed    = errors.New("link closed")
)

// Link implements core.PeerLink. The interviewee side is the caller and
// attaches local tracks; the interviewer side constructs its peer connection
// lazily on the first inbound offer and needs no local media.
type Link struct {
	role   domain.Role
	cfg    webrtc.Configuration
	tracks []webrtc.TrackLocal

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	state         core.LinkState
	remoteDescSet bool
	answered      bool
	pending       []domain.ICECandidate
	onLocal       func(domain.ICECandidate)
	onTrack       func(core.TrackInfo)
	remote        []core.TrackInfo

	// inbound video payloads buffered for the recorder
	chunks chan []byte
}

var _ core.PeerLink = (*Link)(nil)

// NewLink prepares a link for the given role. tracks are the local media
// tracks to send; only the interviewee side provides them.
func NewLink(role domain.Role, stunServer string, tracks []webrtc.TrackLocal) *Link {
	state := core.LinkIdle
	if role == domain.RoleInterviewer {
		state = core.LinkAwaitingOffer
	}
	return &Link{
		role:   role,
		tracks: tracks,
		state:  state,
		chunks: make(chan []byte, 256),
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{stunServer}}},
		},
	}
}

// GatheringMedia marks the caller side as acquiring local media.
func (l *Link) GatheringMedia() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(core.LinkGatheringMedia)
}

func (l *Link) OnLocalCandidate(fn func(domain.ICECandidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLocal = fn
}

func (l *Link) OnRemoteTrack(fn func(core.TrackInfo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *Link) RemoteTracks() []core.TrackInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.TrackInfo, len(l.remote))
	copy(out, l.remote)
	return out
}

func (l *Link) State() core.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CreateOffer builds the peer connection, attaches the local tracks, sets the
// local description and returns the offer SDP.
func (l *Link) CreateOffer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == core.LinkClosed {
		return "", ErrLinkClosed
	}
	if l.pc != nil {
		return "", ErrRenegotiation
	}
	if err := l.newPeerLocked(); err != nil {
		return "", err
	}
	for _, t := range l.tracks {
		if _, err := l.pc.AddTrack(t); err != nil {
			return "", fmt.Errorf("add local track: %w", err)
		}
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	l.setStateLocked(core.LinkOffering)
	return offer.SDP, nil
}

// AcceptOffer lazily constructs the peer connection, applies the remote offer
// and returns the answer SDP. Buffered remote candidates are flushed once the
// remote description is in place.
func (l *Link) AcceptOffer(sdp string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == core.LinkClosed {
		return "", ErrLinkClosed
	}
	if l.pc != nil {
		return "", ErrRenegotiation
	}
	if err := l.newPeerLocked(); err != nil {
		return "", err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	l.remoteDescSet = true
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	l.setStateLocked(core.LinkNegotiating)
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer on the caller side.
func (l *Link) AcceptAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pc == nil {
		return ErrNoPeer
	}
	if l.answered {
		return ErrRenegotiation
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.answered = true
	l.remoteDescSet = true
	l.flushPendingLocked()
	l.setStateLocked(core.LinkNegotiating)
	return nil
}

// AddRemoteCandidate applies an inbound candidate, buffering it while no
// remote description exists yet.
func (l *Link) AddRemoteCandidate(c domain.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == core.LinkClosed {
		return ErrLinkClosed
	}
	if l.pc == nil || !l.remoteDescSet {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.addCandidateLocked(c)
}

func (l *Link) Close() {
	l.mu.Lock()
	pc := l.pc
	l.pc = nil
	l.state = core.LinkClosed
	l.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
		}
	}
}

func (l *Link) newPeerLocked() error {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return fmt.Errorf("create pli interceptor: %w", err)
	}
	reg.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg))

	pc, err := api.NewPeerConnection(l.cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	l.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "rtc").Msg("ICE gathering complete")
			return
		}
		l.mu.Lock()
		fn := l.onLocal
		l.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("role", string(l.role)).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateConnected {
			l.mu.Lock()
			l.setStateLocked(core.LinkConnected)
			l.mu.Unlock()
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := core.TrackInfo{ID: track.ID(), Kind: track.Kind().String()}
		log.Info().Str("module", "rtc").Str("kind", info.Kind).Str("track_id", info.ID).Msg("remote track")
		l.mu.Lock()
		l.remote = append(l.remote, info)
		fn := l.onTrack
		l.mu.Unlock()
		if fn != nil {
			fn(info)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go l.pumpRemote(track)
		}
	})

	return nil
}

// pumpRemote feeds inbound video payloads into the chunk buffer. Payloads
// are dropped when the recorder lags; live playout wins over recording.
func (l *Link) pumpRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		buf := make([]byte, len(pkt.Payload))
		copy(buf, pkt.Payload)
		select {
		case l.chunks <- buf:
		default:
		}
	}
}

// ReadRemoteChunk drains whatever inbound payloads have accumulated and
// returns them concatenated; nil when nothing arrived since the last call.
func (l *Link) ReadRemoteChunk(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		select {
		case b := <-l.chunks:
			out = append(out, b...)
		case <-ctx.Done():
			return out, nil
		default:
			return out, nil
		}
	}
}

// setStateLocked only moves forward; a dropped or out-of-order signaling
// message can never regress the negotiation.
func (l *Link) setStateLocked(s core.LinkState) {
	if l.state == core.LinkClosed || s <= l.state {
		return
	}
	log.Info().Str("module", "rtc").Str("role", string(l.role)).
		Str("from", l.state.String()).Str("to", s.String()).Msg("link state")
	l.state = s
}

func (l *Link) flushPendingLocked() {
	held := l.pending
	l.pending = nil
	for _, c := range held {
		if err := l.addCandidateLocked(c); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("apply buffered candidate")
		}
	}
}

func (l *Link) addCandidateLocked(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func fromICEInit(init webrtc.ICECandidateInit) domain.ICECandidate {
	c := domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}
