package relay

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/signaling"
)

const wsWriteWait = 5 * time.Second

// peerConn is one joined participant connection. All data frames go through
// its queue and a single writer goroutine.
type peerConn struct {
	identity auth.Identity
	ws       *websocket.Conn
	q        *sendQueue
	log      *slog.Logger

	writerDone chan struct{}
}

func newPeerConn(ws *websocket.Conn, identity auth.Identity, queueBytes int, log *slog.Logger) *peerConn {
	p := &peerConn{
		identity:   identity,
		ws:         ws,
		q:          newSendQueue(queueBytes),
		log:        log,
		writerDone: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// send encodes env and queues it. It reports false when the connection is
// closing or too far behind.
func (p *peerConn) send(env signaling.Envelope) bool {
	b, err := signaling.Encode(env)
	if err != nil {
		p.log.Error("encode envelope", "type", env.Type, "err", err)
		return false
	}
	return p.q.Enqueue(b)
}

func (p *peerConn) sendError(code, message, refID string) {
	env, err := signaling.NewEnvelope(signaling.TypeError, "", "", "", signaling.ErrorPayload{Code: code, Message: message, RefID: refID})
	if err != nil {
		return
	}
	p.send(env)
}

// closeWith flushes queued frames, then closes with the given code.
func (p *peerConn) closeWith(code int, reason string) {
	p.q.closeAfter(code, reason)
}

// abort drops queued frames and tears the socket down immediately.
func (p *peerConn) abort() {
	p.q.discard()
	_ = p.ws.Close()
}

func (p *peerConn) writeLoop() {
	defer close(p.writerDone)
	for {
		frame, ok := p.q.Dequeue()
		if !ok {
			if code, reason := p.q.closeFrame(); code != 0 {
				writeClose(p.ws, code, reason)
			}
			_ = p.ws.Close()
			return
		}
		_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			p.log.Debug("signaling write failed", "err", err)
			p.abort()
			return
		}
	}
}

// writeError sends an error frame followed by a close, for connections that
// have no writer goroutine yet.
func writeError(ws *websocket.Conn, closeCode int, code, message string) {
	env, err := signaling.NewEnvelope(signaling.TypeError, "", "", "", signaling.ErrorPayload{Code: code, Message: message})
	if err == nil {
		if b, err := signaling.Encode(env); err == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = ws.WriteMessage(websocket.TextMessage, b)
		}
	}
	writeClose(ws, closeCode, code)
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
