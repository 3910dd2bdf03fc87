package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/signaling"
)

const DefaultNegotiationTimeout = 30 * time.Second

// Signaler sends envelopes toward the remote participant. Send must not
// block; signaling.Channel satisfies it.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// IsOfferer reports whether local makes the offer for the pair. The smaller
// id always offers, so two participants never both offer.
func IsOfferer(localID, remoteID string) bool {
	return localID < remoteID
}

type Config struct {
	SessionID string
	LocalID   string
	RemoteID  string
	Offerer   bool

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Audio and Video are the shared local tracks. A nil track is replaced
	// by an idle placeholder so both senders always exist.
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	Signal             Signaler
	NegotiationTimeout time.Duration
	Logger             *slog.Logger
}

// Link is the media connection to one remote participant.
//
// Negotiation is bounded by a ceiling. When the link fails or the ceiling
// is hit, it gets one recovery: the offerer sends an ICE restart offer and
// the answerer waits for it. Anything after that is final and reported as
// FailedEvent.
type Link struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	q *eventQueue

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	restarted bool
	connected bool
	failed    bool
	closed    bool
	timer     *time.Timer
	timerGen  uint64

	closeOnce sync.Once
}

func New(cfg Config) (*Link, error) {
	if cfg.Signal == nil || cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, errors.New("peer: Signal, LocalID and RemoteID are required")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		api, err := NewAPIWithSettingEngine(webrtc.SettingEngine{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	l := &Link{
		cfg: cfg,
		log: cfg.Logger.With("session_id", cfg.SessionID, "participant_id", cfg.LocalID, "remote_id", cfg.RemoteID, "offerer", cfg.Offerer),
		pc:  pc,
		q:   newEventQueue(),
	}

	audio := cfg.Audio
	if audio == nil {
		audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", cfg.LocalID)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	video := cfg.Video
	if video == nil {
		video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "camera", cfg.LocalID)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	if l.audioSender, err = pc.AddTrack(audio); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if l.videoSender, err = pc.AddTrack(video); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	go drainRTCP(l.audioSender)
	go drainRTCP(l.videoSender)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.send(signaling.TypeICECandidate, signaling.CandidateFromPion(c.ToJSON()))
	})
	pc.OnConnectionStateChange(l.onState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Info("remote track", "kind", track.Kind().String(), "track_id", track.ID())
		l.q.push(RemoteTrackEvent{RemoteID: cfg.RemoteID, Track: track})
	})
	return l, nil
}

// drainRTCP keeps the sender's interceptors fed.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) RemoteID() string {
	return l.cfg.RemoteID
}

func (l *Link) Offerer() bool {
	return l.cfg.Offerer
}

func (l *Link) Events() <-chan Event {
	return l.q.out
}

func (l *Link) State() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

// RemoteFingerprint is the DTLS fingerprint of the applied remote
// description, or "" before one is applied. It changes only when the remote
// side starts over with a new PeerConnection.
func (l *Link) RemoteFingerprint() string {
	if d := l.pc.RemoteDescription(); d != nil {
		return Fingerprint(d.SDP)
	}
	return ""
}

func (l *Link) GetStats() webrtc.StatsReport {
	return l.pc.GetStats()
}

// Start arms the negotiation ceiling and, on the offerer, sends the offer.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.arm()
	if !l.cfg.Offerer {
		return nil
	}
	return l.offer(false)
}

// HandleSignal applies an offer, answer or candidate from the remote
// participant.
func (l *Link) HandleSignal(env signaling.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	switch env.Type {
	case signaling.TypeOffer:
		if l.cfg.Offerer {
			l.log.Warn("ignoring offer from answerer")
			return nil
		}
		desc, err := decodeSDP(env)
		if err != nil {
			return err
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		l.flushPending()
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		l.send(signaling.TypeAnswer, signaling.SDPFromPion(answer))
		return nil

	case signaling.TypeAnswer:
		if !l.cfg.Offerer {
			l.log.Warn("ignoring answer on answering link")
			return nil
		}
		desc, err := decodeSDP(env)
		if err != nil {
			return err
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		l.flushPending()
		return nil

	case signaling.TypeICECandidate:
		var p signaling.CandidatePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if l.pc.RemoteDescription() == nil {
			l.pending = append(l.pending, p.ToPion())
			return nil
		}
		if err := l.pc.AddICECandidate(p.ToPion()); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("peer: unexpected %s", env.Type)
}

// ReplaceVideoTrack swaps the outgoing video in place. The link is not
// renegotiated and the audio sender is untouched. A nil track stops video.
func (l *Link) ReplaceVideoTrack(track *webrtc.TrackLocalStaticSample) error {
	if track == nil {
		return l.videoSender.ReplaceTrack(nil)
	}
	return l.videoSender.ReplaceTrack(track)
}

// ReplaceAudioTrack swaps the outgoing audio in place.
func (l *Link) ReplaceAudioTrack(track *webrtc.TrackLocalStaticSample) error {
	if track == nil {
		return l.audioSender.ReplaceTrack(nil)
	}
	return l.audioSender.ReplaceTrack(track)
}

// Close tears the link down. It is idempotent.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.stopTimer()
		l.mu.Unlock()
		err = l.pc.Close()
		l.q.close()
	})
	return err
}

// Fingerprint returns the first a=fingerprint value in sdp.
func Fingerprint(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=fingerprint:"); ok {
			return v
		}
	}
	return ""
}

func decodeSDP(env signaling.Envelope) (webrtc.SessionDescription, error) {
	var p signaling.SDPPayload
	if err := env.DecodePayload(&p); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.ToPion()
}

// offer must be called with mu held. An ICE restart is only requested once
// ICE has a remote peer; before that the offer is simply sent again.
func (l *Link) offer(restart bool) error {
	var opts *webrtc.OfferOptions
	if restart && l.pc.RemoteDescription() != nil {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.send(signaling.TypeOffer, signaling.SDPFromPion(offer))
	return nil
}

func (l *Link) flushPending() {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("queued ice candidate rejected", "err", err)
		}
	}
	l.pending = nil
}

func (l *Link) send(typ signaling.MessageType, payload any) {
	env, err := signaling.NewEnvelope(typ, l.cfg.SessionID, l.cfg.LocalID, l.cfg.RemoteID, payload)
	if err != nil {
		l.log.Error("build signaling message", "type", typ, "err", err)
		return
	}
	if err := l.cfg.Signal.Send(env); err != nil {
		l.log.Warn("send signaling message", "type", typ, "err", err)
	}
}

func (l *Link) onState(state webrtc.PeerConnectionState) {
	l.log.Debug("peer connection state", "state", state.String())
	l.q.push(StateEvent{RemoteID: l.cfg.RemoteID, State: state})
	// pion invokes this on its own goroutines, which may hold locks that
	// HandleSignal waits on, so mu is only taken off this goroutine.
	switch state {
	case webrtc.PeerConnectionStateConnected:
		go func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
				return
			}
			l.connected = true
			l.stopTimer()
		}()
	case webrtc.PeerConnectionStateFailed:
		go func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.connected = false
			l.recover(ErrLinkFailed)
		}()
	}
}

// recover must be called with mu held.
func (l *Link) recover(cause error) {
	if l.closed || l.failed {
		return
	}
	if !l.restarted {
		l.restarted = true
		l.connected = false
		l.arm()
		if !l.cfg.Offerer {
			l.log.Info("waiting for ice restart", "cause", cause)
			return
		}
		l.log.Info("ice restart", "cause", cause)
		if err := l.offer(true); err != nil {
			l.fail(fmt.Errorf("%w: %w", ErrLinkFailed, err))
		}
		return
	}
	l.fail(cause)
}

func (l *Link) fail(err error) {
	l.failed = true
	l.stopTimer()
	l.log.Warn("peer link failed", "err", err)
	l.q.push(FailedEvent{RemoteID: l.cfg.RemoteID, Err: err})
}

func (l *Link) arm() {
	l.stopTimer()
	gen := l.timerGen
	l.timer = time.AfterFunc(l.cfg.NegotiationTimeout, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if gen != l.timerGen || l.connected {
			return
		}
		l.recover(ErrNegotiationTimeout)
	})
}

func (l *Link) stopTimer() {
	l.timerGen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
