package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/teleclinic/consult/internal/ratelimit"
)

const (
	wsWriteWait = 5 * time.Second

	defaultOutboxSize        = 256
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 8
	defaultJoinTimeout       = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultEventBuffer       = 256
	// Stays under the relay's default inbound limit of 50/s.
	defaultSendRate = 40
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnavailable  State = "unavailable"
	StateClosed       State = "closed"
)

// Event is delivered on Channel.Events.
type Event interface {
	isEvent()
}

// MessageEvent carries an envelope received from the relay. Acks are consumed
// by the channel and never surface here.
type MessageEvent struct {
	Envelope Envelope
}

type StateEvent struct {
	State State
}

// OverflowEvent reports envelopes dropped from the outbox because it was full.
type OverflowEvent struct {
	Dropped int
}

// UnavailableEvent reports that reconnecting gave up. Err wraps
// ErrChannelUnavailable or ErrAuth.
type UnavailableEvent struct {
	Err error
}

func (MessageEvent) isEvent()     {}
func (StateEvent) isEvent()       {}
func (OverflowEvent) isEvent()    {}
func (UnavailableEvent) isEvent() {}

type Config struct {
	// URL is the relay's WebSocket endpoint, e.g. wss://relay/v1/signal.
	URL           string
	SessionID     string
	ParticipantID string
	Role          string
	Token         string

	OutboxSize        int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	JoinTimeout       time.Duration
	// IdleTimeout closes a connection that has received nothing, not even a
	// ping, for this long.
	IdleTimeout time.Duration
	EventBuffer int
	// SendRate caps envelopes written per second, with an equal burst. It
	// must not exceed the relay's per-connection limit or a replayed backlog
	// gets the connection closed.
	SendRate int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = max(defaultReconnectMax, c.ReconnectInitial)
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.SendRate <= 0 {
		c.SendRate = defaultSendRate
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Channel keeps one participant joined to a session through the relay.
//
// Send never blocks: envelopes go to a bounded outbox that a single writer
// drains. After transport loss the channel reconnects with exponential
// backoff, rejoins, and replays every envelope the relay has not
// acknowledged, in the original order.
type Channel struct {
	cfg Config
	log *slog.Logger

	out    *outbox
	notify chan struct{}
	rearm  chan struct{}
	events chan Event

	mu    sync.Mutex
	state State

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Connect dials the relay and joins the session. It returns once the relay
// has accepted the join. Credential or membership rejection returns ErrAuth.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" || cfg.SessionID == "" || cfg.ParticipantID == "" {
		return nil, errors.New("signaling: URL, SessionID and ParticipantID are required")
	}
	c := &Channel{
		cfg:     cfg,
		log:     cfg.Logger.With("session_id", cfg.SessionID, "participant_id", cfg.ParticipantID),
		out:     newOutbox(cfg.OutboxSize),
		notify:  make(chan struct{}, 1),
		rearm:   make(chan struct{}, 1),
		events:  make(chan Event, cfg.EventBuffer),
		state:   StateConnecting,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	conn, early, err := c.dialAndJoin(ctx)
	if err != nil {
		return nil, err
	}
	c.setState(StateConnected)
	for _, env := range early {
		c.emit(MessageEvent{Envelope: env})
	}
	go c.run(conn)
	return c, nil
}

func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send stamps env with this participant's ids when unset and enqueues it.
// It returns immediately; delivery is confirmed asynchronously by the relay.
func (c *Channel) Send(env Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if env.ID == "" {
		env.ID = NewID()
	}
	if env.SessionID == "" {
		env.SessionID = c.cfg.SessionID
	}
	if env.SenderID == "" {
		env.SenderID = c.cfg.ParticipantID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if c.out.push(env) {
		c.log.Warn("signaling outbox full, dropped oldest message", "outbox_size", c.cfg.OutboxSize)
	}
	c.poke()
	return nil
}

// Flush waits until the relay has acknowledged everything queued so far.
func (c *Channel) Flush(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for c.out.len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-t.C:
		}
	}
	return nil
}

// Reconnect re-arms the reconnect loop after UnavailableEvent. It is a no-op
// in any other state.
func (c *Channel) Reconnect() {
	select {
	case c.rearm <- struct{}{}:
	default:
	}
}

// Close leaves the relay and stops the channel. Events is closed once the
// channel has fully stopped. Close is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
	return nil
}

func (c *Channel) poke() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Debug("signaling state", "state", s)
		c.emit(StateEvent{State: s})
	}
}

// emit blocks until the event is consumed or the channel closes.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) flushOverflow() {
	if n := c.out.takeDropped(); n > 0 {
		c.emit(OverflowEvent{Dropped: n})
	}
}

func (c *Channel) run(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		select {
		case c.events <- StateEvent{State: StateClosed}:
		default:
		}
		close(c.events)
		close(c.stopped)
	}()

	b := c.newBackOff()
	for {
		err := c.serve(conn)
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Info("signaling connection lost", "err", err)
		c.setState(StateReconnecting)

		for {
			conn, err = c.redial(b)
			if err == nil {
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			c.setState(StateUnavailable)
			c.emit(UnavailableEvent{Err: err})
			if !c.waitRearm() {
				return
			}
			b.Reset()
			c.setState(StateReconnecting)
		}
		b.Reset()
		c.setState(StateConnected)
	}
}

func (c *Channel) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.ReconnectInitial
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = c.cfg.ReconnectMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(c.cfg.ReconnectAttempts))
}

// redial retries until a join succeeds, the attempt budget runs out, or the
// relay rejects the credentials.
func (c *Channel) redial(b backoff.BackOff) (*websocket.Conn, error) {
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("%w: %d reconnect attempts failed", ErrChannelUnavailable, c.cfg.ReconnectAttempts)
		}
		if !c.sleep(wait) {
			return nil, ErrClosed
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, early, err := c.dialAndJoin(ctx)
		cancel()
		if err == nil {
			for _, env := range early {
				c.emit(MessageEvent{Envelope: env})
			}
			return conn, nil
		}
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		c.log.Debug("signaling reconnect attempt failed", "err", err, "next_wait", wait)
	}
}

// sleep waits d while still flushing overflow reports. It returns false when
// the channel closes.
func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-c.notify:
			c.flushOverflow()
		case <-c.done:
			return false
		}
	}
}

func (c *Channel) waitRearm() bool {
	for {
		select {
		case <-c.rearm:
			return true
		case <-c.notify:
			c.flushOverflow()
		case <-c.done:
			return false
		}
	}
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("signaling: invalid relay url: %w", err)
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialAndJoin opens a connection, sends join_session, and reads until the
// relay confirms the join with a user_joined frame about this participant.
// Frames that arrive in the meantime are returned for delivery.
func (c *Channel) dialAndJoin(ctx context.Context) (*websocket.Conn, []Envelope, error) {
	u, err := c.dialURL()
	if err != nil {
		return nil, nil, err
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, fmt.Errorf("%w: relay answered %s", ErrAuth, resp.Status)
		}
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}

	join, err := NewEnvelope(TypeJoinSession, c.cfg.SessionID, c.cfg.ParticipantID, "", JoinPayload{Role: c.cfg.Role})
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := writeEnvelope(conn, join); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(c.cfg.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var early []Envelope
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return nil, nil, fmt.Errorf("%w: %s", ErrAuth, ce.Text)
			}
			return nil, nil, fmt.Errorf("join: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame from relay", "err", err)
			continue
		}
		switch env.Type {
		case TypeAck:
			c.out.ack(env.ID)
			continue
		case TypeError:
			var p ErrorPayload
			if err := env.DecodePayload(&p); err == nil && (p.Code == CodeUnauthorized || p.Code == CodeNotMember) {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("%w: %s", ErrAuth, p.Message)
			}
		case TypeUserJoined:
			var p UserJoinedPayload
			if err := env.DecodePayload(&p); err == nil && p.ParticipantID == c.cfg.ParticipantID {
				_ = conn.SetReadDeadline(time.Time{})
				return conn, append(early, env), nil
			}
		}
		early = append(early, env)
	}
}

// serve runs one joined connection until it fails or the channel closes.
func (c *Channel) serve(conn *websocket.Conn) error {
	c.out.rewind()

	idle := c.cfg.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- c.readLoop(conn, idle)
	}()
	defer func() {
		_ = conn.Close()
		wg.Wait()
	}()

	// The relay's bucket is also fresh on each connection.
	pacer := ratelimit.NewTokenBucket(nil, int64(c.cfg.SendRate), int64(c.cfg.SendRate))
	interval := time.Second / time.Duration(c.cfg.SendRate)
	var paced <-chan time.Time

	c.poke()
	for {
		select {
		case err := <-readErr:
			return err
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
				time.Now().Add(wsWriteWait))
			return ErrClosed
		case <-c.notify:
		case <-paced:
			paced = nil
		}

		c.flushOverflow()
		if paced != nil {
			continue
		}
		for c.out.pending() > 0 {
			if !pacer.Allow() {
				paced = time.After(interval)
				break
			}
			env, ok := c.out.next()
			if !ok {
				break
			}
			if err := writeEnvelope(conn, env); err != nil {
				return fmt.Errorf("write %s: %w", env.Type, err)
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, idle time.Duration) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		env, err := Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame from relay", "err", err)
			continue
		}
		if env.Type == TypeAck {
			c.out.ack(env.ID)
			continue
		}
		c.emit(MessageEvent{Envelope: env})
	}
}

// writeEnvelope is only called from the goroutine that owns conn's writes.
func writeEnvelope(conn *websocket.Conn, env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
