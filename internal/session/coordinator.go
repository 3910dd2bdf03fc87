// Package session coordinates one participant's side of a consultation: it
// drives the signaling channel, one peer link per remote participant, local
// capture, recording, chat and notes, and owns the session status.
//
// All state changes happen on a single reactor goroutine. It consumes the
// events of every component together with the commands issued through the
// Coordinator's methods, so no two transitions ever run concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/chat"
	"github.com/teleclinic/consult/internal/media"
	"github.com/teleclinic/consult/internal/peer"
	"github.com/teleclinic/consult/internal/quality"
	"github.com/teleclinic/consult/internal/recording"
	"github.com/teleclinic/consult/internal/records"
	"github.com/teleclinic/consult/internal/signaling"
	"github.com/teleclinic/consult/internal/spool"
)

const (
	DefaultGracePeriod     = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultReconnectRearm  = 30 * time.Second
	defaultEventBuffer     = 256
	// maxRelinks bounds how often a failed link to a present participant is
	// rebuilt before a connection succeeds again.
	maxRelinks = 3
)

const (
	ReasonGraceElapsed = "grace period elapsed"
	ReasonJoinFailed   = "join failed"
)

// Signal is the signaling channel as the coordinator uses it.
// *signaling.Channel satisfies it.
type Signal interface {
	Send(env signaling.Envelope) error
	Events() <-chan signaling.Event
	Flush(ctx context.Context) error
	// Reconnect restarts reconnecting after the channel gave up.
	Reconnect()
	Close() error
}

// Capture is the local media. *media.Controller satisfies it.
type Capture interface {
	Acquire(ctx context.Context, req media.MediaRequest) (media.Stream, error)
	AcquireVideo(ctx context.Context, req media.VideoRequest) (*webrtc.TrackLocalStaticSample, error)
	SetMuted(class media.Class, muted bool)
	Muted(class media.Class) bool
	Current() media.Stream
	Active() bool
	Subscribe() (<-chan media.Sample, func())
	Events() <-chan media.Event
	Release()
}

type Config struct {
	SessionID     string
	ParticipantID string
	Role          string

	// Dial connects and joins the signaling channel.
	Dial         func(ctx context.Context) (Signal, error)
	Media        Capture
	InitialMedia media.MediaRequest

	API                *webrtc.API
	ICEServers         []webrtc.ICEServer
	NegotiationTimeout time.Duration
	GracePeriod        time.Duration
	ShutdownTimeout    time.Duration
	// ReconnectRearm is how long signaling stays unavailable before the
	// coordinator asks the channel to try again.
	ReconnectRearm time.Duration

	// Recorder is optional; without it recording requests fail.
	Recorder *recording.Recorder
	// Notebook defaults to one saving to Store.
	Notebook *chat.Notebook
	Quality  *quality.Monitor
	Store    records.Store
	// Spool receives artifacts whose record binding failed so a retrier
	// can finish them.
	Spool *spool.Spool

	EventBuffer  int
	Logger       *slog.Logger
	Now          func() time.Time
	OnSessionEnd func(Summary)
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	cmds       chan command
	events     chan Event
	linkEvents chan linkEvent
	ended      chan struct{}
	status     atomic.Value

	ctx    context.Context
	cancel context.CancelFunc

	notebook   *chat.Notebook
	quality    *quality.Monitor
	finalizers sync.WaitGroup

	// Owned by the reactor.
	started      bool
	sig          Signal
	sigEvents    <-chan signaling.Event
	chat         *chat.Chat
	participants map[string]Participant
	links        map[string]*peer.Link
	relinks      map[string]int
	grace        *time.Timer
	graceC       <-chan time.Time
	rearm        *time.Timer
	rearmC       <-chan time.Time
	pausedMutes  map[media.Class]bool
	startTime    time.Time
	recordingRef string
}

type command struct {
	fn    func() error
	reply chan error
}

type linkEvent struct {
	link *peer.Link
	ev   peer.Event
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.SessionID == "" || cfg.ParticipantID == "" {
		return nil, fmt.Errorf("session: SessionID and ParticipantID are required")
	}
	if cfg.Dial == nil || cfg.Media == nil {
		return nil, fmt.Errorf("session: Dial and Media are required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ReconnectRearm <= 0 {
		cfg.ReconnectRearm = DefaultReconnectRearm
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = records.NewMemoryStore()
	}
	log := cfg.Logger.With("session_id", cfg.SessionID, "participant_id", cfg.ParticipantID)

	nb := cfg.Notebook
	if nb == nil {
		var err error
		nb, err = chat.NewNotebook(chat.NotebookConfig{SessionID: cfg.SessionID, Store: cfg.Store, Spool: cfg.Spool, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
	}
	qm := cfg.Quality
	if qm == nil {
		qm = quality.NewMonitor(quality.Config{Logger: cfg.Logger})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:          cfg,
		log:          log,
		cmds:         make(chan command),
		events:       make(chan Event, cfg.EventBuffer),
		linkEvents:   make(chan linkEvent, 64),
		ended:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		notebook:     nb,
		quality:      qm,
		participants: make(map[string]Participant),
		links:        make(map[string]*peer.Link),
		relinks:      make(map[string]int),
	}
	c.status.Store(StatusScheduled)
	go c.run()
	return c, nil
}

// Events is closed after SessionEndedEvent. Events other than
// SessionEndedEvent are dropped when the reader falls behind.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Done is closed once the session has ended.
func (c *Coordinator) Done() <-chan struct{} {
	return c.ended
}

func (c *Coordinator) Status() Status {
	return c.status.Load().(Status)
}

// Start acquires the initial media, joins the signaling channel and begins
// processing. Capture failures leave the session running degraded; a join
// failure ends it.
func (c *Coordinator) Start(ctx context.Context) error {
	err := c.do(func() error {
		if c.started {
			return fmt.Errorf("%w: already started", ErrInvalidTransition)
		}
		c.started = true
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := c.cfg.Media.Acquire(ctx, c.cfg.InitialMedia); err != nil {
		c.log.Warn("starting with degraded media", "err", err)
	}
	sig, err := c.cfg.Dial(ctx)
	if err != nil {
		_ = c.End(ReasonJoinFailed)
		return fmt.Errorf("session: join: %w", err)
	}
	if err := c.do(func() error { c.attach(sig); return nil }); err != nil {
		_ = sig.Close()
		return err
	}
	return nil
}

func (c *Coordinator) Pause() error {
	return c.do(func() error {
		if c.Status() != StatusActive {
			return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.Status())
		}
		c.pausedMutes = map[media.Class]bool{
			media.ClassAudio: c.cfg.Media.Muted(media.ClassAudio),
			media.ClassVideo: c.cfg.Media.Muted(media.ClassVideo),
		}
		for _, class := range []media.Class{media.ClassAudio, media.ClassVideo} {
			c.cfg.Media.SetMuted(class, true)
			c.announceToggle(class, true, true)
		}
		c.setStatus(StatusPaused)
		return nil
	})
}

func (c *Coordinator) Resume() error {
	return c.do(func() error {
		if c.Status() != StatusPaused {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.Status())
		}
		for _, class := range []media.Class{media.ClassAudio, media.ClassVideo} {
			muted := c.pausedMutes[class]
			c.cfg.Media.SetMuted(class, muted)
			c.announceToggle(class, muted, false)
		}
		c.pausedMutes = nil
		c.setStatus(StatusActive)
		return nil
	})
}

// End ends the session for this participant, and for everyone when the
// local participant is the doctor.
func (c *Coordinator) End(reason string) error {
	return c.do(func() error {
		c.end(reason, c.cfg.ParticipantID, true)
		return nil
	})
}

// Reconnect retries signaling now instead of waiting for the automatic
// retry after the channel reported itself unavailable.
func (c *Coordinator) Reconnect() error {
	return c.do(func() error {
		if err := c.requireLive(); err != nil {
			return err
		}
		if c.sig == nil {
			return fmt.Errorf("%w: not joined", ErrInvalidTransition)
		}
		c.stopRearm()
		c.sig.Reconnect()
		return nil
	})
}

func (c *Coordinator) OnParticipantJoin(id, role string) error {
	return c.do(func() error {
		c.join(id, role, true)
		return nil
	})
}

func (c *Coordinator) OnParticipantLeave(id string) error {
	return c.do(func() error {
		c.leave(id)
		return nil
	})
}

// ShareScreen replaces the outgoing video with a screen capture on every
// link without renegotiating.
func (c *Coordinator) ShareScreen(ctx context.Context, displayID string) error {
	if err := c.do(c.requireLive); err != nil {
		return err
	}
	_, err := c.cfg.Media.AcquireVideo(ctx, media.ScreenCapture{DisplayID: displayID})
	return err
}

// StopScreenShare goes back to the camera the session started with.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	if err := c.do(c.requireLive); err != nil {
		return err
	}
	camera := c.cfg.InitialMedia.Video
	if _, ok := camera.(media.ScreenCapture); ok || camera == nil {
		camera = media.NoVideo{}
	}
	_, err := c.cfg.Media.AcquireVideo(ctx, camera)
	return err
}

func (c *Coordinator) SetMuted(class media.Class, muted bool) error {
	return c.do(func() error {
		if err := c.requireLive(); err != nil {
			return err
		}
		if c.Status() == StatusPaused {
			c.pausedMutes[class] = muted
			return nil
		}
		c.cfg.Media.SetMuted(class, muted)
		c.announceToggle(class, muted, false)
		return nil
	})
}

func (c *Coordinator) StartRecording() error {
	if c.cfg.Recorder == nil {
		return ErrRecordingDisabled
	}
	if err := c.do(c.requireLive); err != nil {
		return err
	}
	return c.cfg.Recorder.Start(c.cfg.Media)
}

func (c *Coordinator) StopRecording() (recording.Artifact, error) {
	if c.cfg.Recorder == nil {
		return recording.Artifact{}, ErrRecordingDisabled
	}
	if err := c.do(c.requireLive); err != nil {
		return recording.Artifact{}, err
	}
	return c.cfg.Recorder.Stop()
}

func (c *Coordinator) SendChat(text string) (chat.Message, error) {
	var msg chat.Message
	err := c.do(func() error {
		if err := c.requireLive(); err != nil {
			return err
		}
		if c.chat == nil {
			return fmt.Errorf("%w: not joined", ErrInvalidTransition)
		}
		var err error
		msg, err = c.chat.Send(text)
		if err == nil {
			c.emit(ChatEvent{Message: msg})
		}
		return err
	})
	return msg, err
}

// Chat returns the chat timeline so far.
func (c *Coordinator) Chat() []chat.Message {
	var out []chat.Message
	_ = c.do(func() error {
		if c.chat != nil {
			out = c.chat.Timeline()
		}
		return nil
	})
	return out
}

func (c *Coordinator) AppendNotes(text string) error {
	if err := c.do(c.requireLive); err != nil {
		return err
	}
	return c.notebook.AppendNotes(text)
}

func (c *Coordinator) SetPrescription(text string) error {
	if err := c.do(c.requireLive); err != nil {
		return err
	}
	return c.notebook.SetPrescription(text)
}

// Participants lists the remote participants, sorted by id.
func (c *Coordinator) Participants() []Participant {
	var out []Participant
	_ = c.do(func() error {
		out = lo.Values(c.participants)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links lists the participants with a live link, sorted.
func (c *Coordinator) Links() []string {
	var out []string
	_ = c.do(func() error {
		out = lo.Keys(c.links)
		return nil
	})
	sort.Strings(out)
	return out
}

// do runs fn on the reactor.
func (c *Coordinator) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{fn: fn, reply: reply}:
	case <-c.ended:
		return ErrSessionEnded
	}
	return <-reply
}

func (c *Coordinator) requireLive() error {
	if c.Status() == StatusEnded {
		return ErrSessionEnded
	}
	if !c.started {
		return fmt.Errorf("%w: not started", ErrInvalidTransition)
	}
	return nil
}

func (c *Coordinator) setStatus(s Status) {
	c.status.Store(s)
	c.log.Info("session status", "status", s)
	c.emit(StatusEvent{Status: s})
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("session event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) run() {
	var recEvents <-chan recording.Event
	if c.cfg.Recorder != nil {
		recEvents = c.cfg.Recorder.Events()
	}
	for c.Status() != StatusEnded {
		select {
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn()
		case ev, ok := <-c.sigEvents:
			if !ok {
				c.sigEvents = nil
				continue
			}
			c.onSignal(ev)
		case ev := <-c.cfg.Media.Events():
			c.onMedia(ev)
		case le := <-c.linkEvents:
			c.onLink(le)
		case r := <-c.quality.Reports():
			c.emit(QualityEvent{Report: r})
		case ev := <-recEvents:
			c.onRecording(ev)
		case <-c.rearmC:
			c.rearm, c.rearmC = nil, nil
			c.log.Info("retrying signaling")
			c.sig.Reconnect()
		case <-c.graceC:
			c.graceC = nil
			c.log.Info("grace period elapsed", "grace_period", c.cfg.GracePeriod)
			c.end(ReasonGraceElapsed, "", true)
		}
	}
}

func (c *Coordinator) attach(sig Signal) {
	c.sig = sig
	c.sigEvents = sig.Events()
	c.chat = chat.New(c.cfg.SessionID, c.cfg.ParticipantID, sig)
	go c.quality.Run(c.ctx)
	go c.notebook.Run(c.ctx)
	for id := range c.participants {
		if peer.IsOfferer(c.cfg.ParticipantID, id) && c.links[id] == nil {
			c.openLink(id)
		}
	}
	c.log.Info("joined session")
}

func (c *Coordinator) onSignal(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.MessageEvent:
		c.onEnvelope(ev.Envelope)
	case signaling.StateEvent:
		if ev.State == signaling.StateConnected {
			c.stopRearm()
		}
		c.emit(ConnectionEvent{State: ev.State})
	case signaling.OverflowEvent:
		c.emit(ConnectionEvent{Dropped: ev.Dropped})
	case signaling.UnavailableEvent:
		c.emit(ConnectionEvent{State: signaling.StateUnavailable, Err: ev.Err})
		// Rejected credentials will not get better by retrying.
		if errors.Is(ev.Err, signaling.ErrAuth) {
			c.log.Error("signaling rejected our credentials", "err", ev.Err)
			return
		}
		c.log.Warn("signaling unavailable", "err", ev.Err, "retry_in", c.cfg.ReconnectRearm)
		c.stopRearm()
		c.rearm = time.NewTimer(c.cfg.ReconnectRearm)
		c.rearmC = c.rearm.C
	}
}

func (c *Coordinator) onEnvelope(env signaling.Envelope) {
	if env.TargetID != "" && env.TargetID != c.cfg.ParticipantID {
		return
	}
	log := c.log.With("type", env.Type, "sender_id", env.SenderID)
	switch env.Type {
	case signaling.TypeUserJoined:
		var p signaling.UserJoinedPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn("bad user_joined", "err", err)
			return
		}
		if p.ParticipantID == c.cfg.ParticipantID {
			c.reconcile(p.Participants)
			return
		}
		// Announcements of a newcomer carry the roster; frames listing
		// someone already present do not.
		c.join(p.ParticipantID, p.Role, len(p.Participants) > 0)

	case signaling.TypeUserLeft:
		var p signaling.UserLeftPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn("bad user_left", "err", err)
			return
		}
		c.leave(p.ParticipantID)

	case signaling.TypeOffer:
		c.onOffer(env)

	case signaling.TypeAnswer, signaling.TypeICECandidate:
		l := c.links[env.SenderID]
		if l == nil {
			log.Debug("no link for signal")
			return
		}
		if err := l.HandleSignal(env); err != nil {
			log.Warn("signal rejected", "err", err)
		}

	case signaling.TypeMediaToggle:
		var p signaling.MediaTogglePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn("bad media_toggle", "err", err)
			return
		}
		c.emit(RemoteMediaEvent{ParticipantID: env.SenderID, Class: media.Class(p.Kind), Muted: p.Muted, Paused: p.Paused})

	case signaling.TypeChatMessage:
		if c.chat == nil {
			return
		}
		msg, ok, err := c.chat.Receive(env)
		if err != nil {
			log.Warn("bad chat_message", "err", err)
			return
		}
		if ok {
			c.emit(ChatEvent{Message: msg})
		}

	case signaling.TypeSessionEnded:
		var p signaling.SessionEndedPayload
		if len(env.Payload) > 0 {
			_ = env.DecodePayload(&p)
		}
		c.end(p.Reason, p.EndedBy, false)

	case signaling.TypeError:
		var p signaling.ErrorPayload
		_ = env.DecodePayload(&p)
		log.Warn("relay error", "code", p.Code, "message", p.Message, "ref_id", p.RefID)
	}
}

// reconcile applies the roster received on (re)joining: newcomers are
// joined and anyone who left while we were away is dropped.
func (c *Coordinator) reconcile(roster []signaling.Participant) {
	present := lo.SliceToMap(roster, func(p signaling.Participant) (string, string) { return p.ID, p.Role })
	for id := range c.participants {
		if _, ok := present[id]; !ok {
			c.leave(id)
		}
	}
	for id, role := range present {
		if id != c.cfg.ParticipantID {
			c.join(id, role, false)
		}
	}
}

// join records a participant. rejoin marks an announcement that the
// participant (re)connected, which replaces a link that is not connected.
func (c *Coordinator) join(id, role string, rejoin bool) {
	if id == "" || id == c.cfg.ParticipantID {
		return
	}
	prev, known := c.participants[id]
	if role == "" {
		role = prev.Role
	}
	c.participants[id] = Participant{ID: id, Role: role}
	c.stopGrace()
	if known {
		if prev.Role != role {
			c.log.Info("participant role updated", "remote_id", id, "role", role)
		}
		if !rejoin {
			return
		}
		if l := c.links[id]; l != nil && l.State() == webrtc.PeerConnectionStateConnected {
			return
		}
		c.dropLink(id)
	} else {
		c.log.Info("participant joined", "remote_id", id, "role", role)
		c.emit(ParticipantEvent{Participant: Participant{ID: id, Role: role}, Joined: true})
	}
	if c.sig != nil && peer.IsOfferer(c.cfg.ParticipantID, id) {
		c.openLink(id)
	}
}

func (c *Coordinator) leave(id string) {
	p, ok := c.participants[id]
	if !ok {
		return
	}
	c.dropLink(id)
	delete(c.participants, id)
	delete(c.relinks, id)
	c.log.Info("participant left", "remote_id", id)
	c.emit(ParticipantEvent{Participant: p})
	if len(c.participants) == 0 && c.Status() != StatusEnded {
		c.startGrace()
	}
}

// onOffer creates the answering link on first contact. An offer carrying a
// different DTLS fingerprint comes from a new PeerConnection on the remote
// side and replaces the existing link.
func (c *Coordinator) onOffer(env signaling.Envelope) {
	id := env.SenderID
	if peer.IsOfferer(c.cfg.ParticipantID, id) {
		c.log.Warn("ignoring offer from a participant that should answer", "remote_id", id)
		return
	}
	if _, ok := c.participants[id]; !ok {
		c.join(id, "", false)
	}
	l := c.links[id]
	if l != nil {
		var p signaling.SDPPayload
		if err := env.DecodePayload(&p); err != nil {
			c.log.Warn("bad offer", "remote_id", id, "err", err)
			return
		}
		if fp := l.RemoteFingerprint(); fp != "" && fp != peer.Fingerprint(p.SDP) {
			c.log.Info("remote restarted its connection", "remote_id", id)
			c.dropLink(id)
			l = nil
		}
	}
	if l == nil {
		if l = c.openLink(id); l == nil {
			return
		}
	}
	if err := l.HandleSignal(env); err != nil {
		c.log.Warn("offer rejected", "remote_id", id, "err", err)
	}
}

func (c *Coordinator) openLink(id string) *peer.Link {
	cur := c.cfg.Media.Current()
	l, err := peer.New(peer.Config{
		SessionID:          c.cfg.SessionID,
		LocalID:            c.cfg.ParticipantID,
		RemoteID:           id,
		Offerer:            peer.IsOfferer(c.cfg.ParticipantID, id),
		API:                c.cfg.API,
		ICEServers:         c.cfg.ICEServers,
		Audio:              cur.Audio,
		Video:              cur.Video,
		Signal:             c.sig,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
		Logger:             c.cfg.Logger,
	})
	if err != nil {
		c.log.Error("create peer link", "remote_id", id, "err", err)
		c.emit(LinkEvent{ParticipantID: id, State: webrtc.PeerConnectionStateFailed, Err: err})
		return nil
	}
	c.links[id] = l
	c.quality.Add(id, l)
	go c.forward(l)
	if err := l.Start(); err != nil {
		c.log.Warn("start peer link", "remote_id", id, "err", err)
	}
	return l
}

func (c *Coordinator) dropLink(id string) {
	l := c.links[id]
	if l == nil {
		return
	}
	delete(c.links, id)
	c.quality.Remove(id)
	if err := l.Close(); err != nil {
		c.log.Debug("close peer link", "remote_id", id, "err", err)
	}
}

func (c *Coordinator) forward(l *peer.Link) {
	for ev := range l.Events() {
		select {
		case c.linkEvents <- linkEvent{link: l, ev: ev}:
		case <-c.ended:
			return
		}
	}
}

func (c *Coordinator) onLink(le linkEvent) {
	id := le.link.RemoteID()
	if c.links[id] != le.link {
		return
	}
	switch ev := le.ev.(type) {
	case peer.StateEvent:
		c.emit(LinkEvent{ParticipantID: id, State: ev.State})
		if ev.State == webrtc.PeerConnectionStateConnected {
			c.relinks[id] = 0
			if c.Status() == StatusScheduled {
				c.startTime = c.cfg.Now().UTC()
				c.setStatus(StatusActive)
			}
		}
	case peer.FailedEvent:
		c.emit(LinkEvent{ParticipantID: id, State: webrtc.PeerConnectionStateFailed, Err: ev.Err})
		c.dropLink(id)
		if _, present := c.participants[id]; present && peer.IsOfferer(c.cfg.ParticipantID, id) && c.relinks[id] < maxRelinks {
			c.relinks[id]++
			c.log.Info("rebuilding failed link", "remote_id", id, "attempt", c.relinks[id])
			c.openLink(id)
		}
	case peer.RemoteTrackEvent:
		c.emit(RemoteMediaEvent{ParticipantID: id, Track: ev.Track, Class: media.Class(ev.Track.Kind().String())})
	}
}

func (c *Coordinator) onMedia(ev media.Event) {
	switch ev := ev.(type) {
	case media.SourceChangedEvent:
		for id, l := range c.links {
			var err error
			if ev.Class == media.ClassVideo {
				err = l.ReplaceVideoTrack(ev.Track)
			} else {
				err = l.ReplaceAudioTrack(ev.Track)
			}
			if err != nil {
				c.log.Warn("replace track", "remote_id", id, "class", ev.Class, "err", err)
			}
		}
		c.emit(LocalMediaEvent{Class: ev.Class, Active: ev.Track != nil, Screen: ev.Screen})
	case media.DeviceErrorEvent:
		c.emit(DeviceErrorEvent{Class: ev.Class, DeviceID: ev.DeviceID, Err: ev.Err})
	case media.SourceEndedEvent:
		c.emit(LocalMediaEvent{Class: ev.Class})
	}
}

func (c *Coordinator) onRecording(ev recording.Event) {
	switch ev := ev.(type) {
	case recording.StartedEvent:
		c.emit(RecordingEvent{State: RecordingStarted, ArtifactID: ev.ArtifactID})
	case recording.FinalizedEvent:
		c.emit(RecordingEvent{State: RecordingFinalized, ArtifactID: ev.Artifact.ID})
	case recording.UploadedEvent:
		c.recordingRef = ev.Ref
		c.emit(RecordingEvent{State: RecordingUploaded, ArtifactID: ev.Artifact.ID, Ref: ev.Ref})
		c.finalizers.Add(1)
		go c.bindRecording(ev.Artifact, ev.Ref)
	case recording.PendingEvent:
		c.emit(RecordingEvent{State: RecordingPending, ArtifactID: ev.Artifact.ID, Err: ev.Err})
	}
}

// bindRecording attaches an uploaded artifact to the session record. If that
// fails the artifact is spooled so the retrier uploads and binds it again;
// uploads resume, so nothing is sent twice.
func (c *Coordinator) bindRecording(art recording.Artifact, ref string) {
	defer c.finalizers.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	err := c.cfg.Store.FinalizeRecording(ctx, c.cfg.SessionID, ref)
	if err == nil {
		return
	}
	c.log.Warn("bind recording to record", "artifact_id", art.ID, "err", err)
	if c.cfg.Spool == nil {
		return
	}
	perr := c.cfg.Spool.PutPending(spool.PendingUpload{
		ArtifactID: art.ID,
		SessionID:  art.SessionID,
		Files:      art.Files(),
		Manifest:   art.Manifest(),
		CreatedAt:  c.cfg.Now().UTC(),
		LastError:  err.Error(),
	})
	if perr != nil {
		c.log.Error("spool recording binding", "artifact_id", art.ID, "err", perr)
	}
}

func (c *Coordinator) announceToggle(class media.Class, muted, paused bool) {
	if c.sig == nil {
		return
	}
	env, err := signaling.NewEnvelope(signaling.TypeMediaToggle, c.cfg.SessionID, c.cfg.ParticipantID, "",
		signaling.MediaTogglePayload{Kind: string(class), Muted: muted, Paused: paused})
	if err != nil {
		c.log.Error("build media_toggle", "err", err)
		return
	}
	if err := c.sig.Send(env); err != nil {
		c.log.Warn("send media_toggle", "err", err)
	}
}

func (c *Coordinator) startGrace() {
	c.stopGrace()
	c.grace = time.NewTimer(c.cfg.GracePeriod)
	c.graceC = c.grace.C
	c.log.Info("last participant left, grace timer started", "grace_period", c.cfg.GracePeriod)
}

func (c *Coordinator) stopRearm() {
	if c.rearm != nil {
		c.rearm.Stop()
		c.rearm = nil
	}
	c.rearmC = nil
}

func (c *Coordinator) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.graceC = nil
}

// end runs once, on the reactor. Each step is bounded by ShutdownTimeout.
func (c *Coordinator) end(reason, endedBy string, announce bool) {
	if c.Status() == StatusEnded {
		return
	}
	c.stopGrace()
	c.stopRearm()
	c.log.Info("ending session", "reason", reason, "ended_by", endedBy)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	if rec := c.cfg.Recorder; rec != nil {
		rec.Shutdown(ctx)
		for drained := false; !drained; {
			select {
			case ev := <-rec.Events():
				c.onRecording(ev)
			default:
				drained = true
			}
		}
	}
	c.finalizers.Wait()

	if err := c.notebook.Flush(ctx); err != nil {
		c.log.Warn("notes not saved at session end; kept in journal", "err", err)
	}

	if announce && c.sig != nil && c.cfg.Role == string(auth.RoleDoctor) {
		env, err := signaling.NewEnvelope(signaling.TypeEndSession, c.cfg.SessionID, c.cfg.ParticipantID, "",
			signaling.EndSessionPayload{Reason: reason})
		if err == nil {
			err = c.sig.Send(env)
		}
		if err == nil {
			err = c.sig.Flush(ctx)
		}
		if err != nil {
			c.log.Warn("announce end_session", "err", err)
		}
	}

	for id := range c.links {
		c.dropLink(id)
	}
	if c.sig != nil {
		if err := c.sig.Close(); err != nil {
			c.log.Debug("close signaling", "err", err)
		}
	}

	c.cfg.Media.Release()

	c.cancel()
	summary := Summary{
		SessionID:    c.cfg.SessionID,
		StartTime:    c.startTime,
		EndTime:      c.cfg.Now().UTC(),
		Notes:        c.notebook.Notes(),
		Prescription: c.notebook.Prescription(),
		RecordingRef: c.recordingRef,
		Reason:       reason,
		EndedBy:      endedBy,
	}
	c.setStatus(StatusEnded)
	select {
	case c.events <- SessionEndedEvent{Summary: summary}:
	case <-ctx.Done():
		c.log.Warn("session ended event not delivered")
	}
	close(c.events)
	close(c.ended)
	if c.cfg.OnSessionEnd != nil {
		c.cfg.OnSessionEnd(summary)
	}
}
