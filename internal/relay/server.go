package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/origin"
	"github.com/teleclinic/consult/internal/ratelimit"
	"github.com/teleclinic/consult/internal/scheduling"
	"github.com/teleclinic/consult/internal/signaling"
)

// Server implements GET /v1/signal.
//
// The participant token travels as ?token=. After the upgrade the first frame
// must be join_session for a session the participant belongs to; everything
// after that is routed by the Hub.
type Server struct {
	cfg      Config
	hub      *Hub
	verifier auth.Verifier
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	log      *slog.Logger

	upgrader websocket.Upgrader
}

type ServerOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Clock          ratelimit.Clock
	Logger         *slog.Logger
}

func NewServer(cfg Config, hub *Hub, verifier auth.Verifier, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg.WithDefaults(),
		hub:      hub,
		verifier: verifier,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		log:      logger,
	}
	allowed := opts.AllowedOrigins
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		_, ok := origin.Check(r, allowed)
		return ok
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	s.metrics.Inc(metrics.SignalConnections)

	token, err := auth.CredentialFromQuery(r.URL.Query())
	if err != nil {
		s.metrics.Inc(metrics.SignalAuthFailures)
		writeError(ws, websocket.ClosePolicyViolation, signaling.CodeUnauthorized, "missing credentials")
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.Inc(metrics.SignalAuthFailures)
		writeError(ws, websocket.ClosePolicyViolation, signaling.CodeUnauthorized, "invalid credentials")
		return
	}

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.JoinTimeout))
	join, err := s.readJoin(ws, identity)
	if err != nil {
		return
	}
	log := s.log.With("session_id", join.SessionID, "participant_id", identity.ParticipantID, "remote_addr", r.RemoteAddr)

	p := newPeerConn(ws, identity, s.cfg.SendQueueBytes, log)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.JoinTimeout)
	err = s.hub.join(ctx, join.SessionID, join.ID, p)
	cancel()
	if err != nil {
		s.rejectJoin(p, err)
		<-p.writerDone
		return
	}
	defer func() {
		s.hub.leave(join.SessionID, p)
		p.closeWith(websocket.CloseNormalClosure, "")
		<-p.writerDone
	}()

	s.serve(ws, join.SessionID, p, log)
}

// readJoin waits for the join_session frame. On any failure it has already
// reported the problem to the client.
func (s *Server) readJoin(ws *websocket.Conn, identity auth.Identity) (signaling.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.metrics.Inc(metrics.SignalJoinTimeout)
			writeError(ws, websocket.ClosePolicyViolation, signaling.CodeJoinRequired, "join timeout")
		} else if errors.Is(err, websocket.ErrReadLimit) {
			writeClose(ws, websocket.CloseMessageTooBig, "message too large")
		}
		return signaling.Envelope{}, err
	}
	env, err := signaling.Decode(data)
	if err != nil {
		s.metrics.Inc(metrics.SignalMalformed)
		writeError(ws, websocket.CloseUnsupportedData, signaling.CodeBadMessage, err.Error())
		return signaling.Envelope{}, err
	}
	if env.Type != signaling.TypeJoinSession {
		writeError(ws, websocket.ClosePolicyViolation, signaling.CodeJoinRequired, "first message must be join_session")
		return signaling.Envelope{}, errors.New("join required")
	}
	var p signaling.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		s.metrics.Inc(metrics.SignalMalformed)
		writeError(ws, websocket.CloseUnsupportedData, signaling.CodeBadMessage, err.Error())
		return signaling.Envelope{}, err
	}
	if env.SenderID != "" && env.SenderID != identity.ParticipantID {
		s.metrics.Inc(metrics.SignalJoinRejected)
		writeError(ws, websocket.ClosePolicyViolation, signaling.CodeUnauthorized, ErrSenderSpoofed.Error())
		return signaling.Envelope{}, ErrSenderSpoofed
	}
	if auth.Role(p.Role) != identity.Role {
		s.metrics.Inc(metrics.SignalJoinRejected)
		writeError(ws, websocket.ClosePolicyViolation, signaling.CodeNotMember, ErrRoleMismatch.Error())
		return signaling.Envelope{}, ErrRoleMismatch
	}
	return env, nil
}

func (s *Server) rejectJoin(p *peerConn, err error) {
	s.metrics.Inc(metrics.SignalJoinRejected)
	p.log.Info("join rejected", "err", err)
	switch {
	case errors.Is(err, ErrNotMember), errors.Is(err, scheduling.ErrNotFound):
		p.sendError(signaling.CodeNotMember, "not a member of this session", "")
		p.closeWith(websocket.ClosePolicyViolation, signaling.CodeNotMember)
	case errors.Is(err, ErrSessionEnded):
		p.sendError(signaling.CodeSessionEnded, "session has ended", "")
		p.closeWith(websocket.CloseNormalClosure, signaling.CodeSessionEnded)
	case errors.Is(err, ErrTooManySessions):
		p.sendError(signaling.CodeTooMany, "too many sessions", "")
		p.closeWith(websocket.CloseTryAgainLater, signaling.CodeTooMany)
	default:
		p.sendError(signaling.CodeUnavailable, "session lookup failed", "")
		p.closeWith(websocket.CloseTryAgainLater, signaling.CodeUnavailable)
	}
}

// serve reads frames until the connection fails, goes idle, or exceeds its
// rate limit.
func (s *Server) serve(ws *websocket.Conn, sessionID string, p *peerConn, log *slog.Logger) {
	idle := s.cfg.IdleTimeout
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-stopPing:
				return
			case <-p.writerDone:
				return
			}
		}
	}()

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				log.Info("signaling connection idle, closing")
			case errors.Is(err, websocket.ErrReadLimit):
				p.closeWith(websocket.CloseMessageTooBig, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Debug("signaling connection closed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		s.metrics.Inc(metrics.SignalFramesIn)

		env, err := signaling.Decode(data)
		if err != nil {
			s.metrics.Inc(metrics.SignalMalformed)
			p.sendError(signaling.CodeBadMessage, err.Error(), "")
			continue
		}
		if env.Type == signaling.TypeAck {
			continue
		}
		if !limiter.Allow() {
			s.metrics.Inc(metrics.SignalRateLimited)
			p.sendError(signaling.CodeRateLimited, "too many messages", env.ID)
			p.closeWith(websocket.CloseTryAgainLater, signaling.CodeRateLimited)
			return
		}
		s.hub.handle(sessionID, p, env)
	}
}
