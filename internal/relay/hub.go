package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/scheduling"
	"github.com/teleclinic/consult/internal/signaling"
)

// endedMemory is how many ended session ids are remembered so late joins are
// refused.
const endedMemory = 4096

type room struct {
	id      string
	appt    scheduling.Appointment
	members map[string]*peerConn
	// recent outlives individual connections so replays after a reconnect
	// are recognised.
	recent map[string]*recentIDs
}

func (r *room) roster() []signaling.Participant {
	out := lo.MapToSlice(r.members, func(id string, p *peerConn) signaling.Participant {
		return signaling.Participant{ID: id, Role: string(p.identity.Role)}
	})
	slices.SortFunc(out, func(a, b signaling.Participant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *room) others(except string) []*peerConn {
	return lo.FilterMap(lo.Keys(r.members), func(id string, _ int) (*peerConn, bool) {
		return r.members[id], id != except
	})
}

// Hub owns every room on this relay.
type Hub struct {
	cfg     Config
	sched   scheduling.Service
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
	ended *recentIDs
}

func NewHub(cfg Config, sched scheduling.Service, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg.WithDefaults(),
		sched:   sched,
		metrics: m,
		log:     logger,
		rooms:   make(map[string]*room),
		ended:   newRecentIDs(endedMemory),
	}
}

// RoomCount reports how many rooms are open.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func isMember(appt scheduling.Appointment, id auth.Identity) bool {
	switch id.Role {
	case auth.RoleObserver:
		return true
	case auth.RolePatient:
		return id.ParticipantID == appt.PatientID
	case auth.RoleDoctor:
		return id.ParticipantID == appt.DoctorID
	}
	return false
}

// join admits p into sessionID's room, opening the room if needed, and sends
// the roster frames. joinID is acknowledged before anything else is queued.
func (h *Hub) join(ctx context.Context, sessionID, joinID string, p *peerConn) error {
	h.mu.Lock()
	ended := h.ended.contains(sessionID)
	rm := h.rooms[sessionID]
	h.mu.Unlock()
	if ended {
		return ErrSessionEnded
	}

	appt := scheduling.Appointment{}
	if rm != nil {
		appt = rm.appt
	} else {
		var err error
		appt, err = h.sched.GetSession(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, scheduling.ErrNotFound) {
				h.metrics.Inc(metrics.SchedulingLookupErrors)
			}
			return err
		}
	}
	if !isMember(appt, p.identity) {
		return fmt.Errorf("%w: %s as %s", ErrNotMember, p.identity.ParticipantID, p.identity.Role)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended.contains(sessionID) {
		return ErrSessionEnded
	}
	rm = h.rooms[sessionID]
	if rm == nil {
		if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
			h.metrics.Inc(metrics.RoomsRejected)
			return ErrTooManySessions
		}
		rm = &room{id: sessionID, appt: appt, members: make(map[string]*peerConn), recent: make(map[string]*recentIDs)}
		h.rooms[sessionID] = rm
		h.metrics.Inc(metrics.RoomsOpened)
		h.log.Info("room_opened", "session_id", sessionID)
	}

	pid := p.identity.ParticipantID
	if old, ok := rm.members[pid]; ok {
		h.metrics.Inc(metrics.SignalRejoinReplaced)
		old.closeWith(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	rm.members[pid] = p
	if rm.recent[pid] == nil {
		rm.recent[pid] = newRecentIDs(h.cfg.DedupWindow)
	}
	rm.recent[pid].seen(joinID)

	role := string(p.identity.Role)
	roster := rm.roster()
	p.send(signaling.Ack(joinID))
	self, _ := signaling.NewEnvelope(signaling.TypeUserJoined, sessionID, "", "", signaling.UserJoinedPayload{
		ParticipantID: pid,
		Role:          role,
		Participants:  roster,
	})
	p.send(self)
	for _, other := range roster {
		if other.ID == pid {
			continue
		}
		env, _ := signaling.NewEnvelope(signaling.TypeUserJoined, sessionID, "", "", signaling.UserJoinedPayload{
			ParticipantID: other.ID,
			Role:          other.Role,
		})
		p.send(env)
	}
	announce, _ := signaling.NewEnvelope(signaling.TypeUserJoined, sessionID, "", "", signaling.UserJoinedPayload{
		ParticipantID: pid,
		Role:          role,
		Participants:  roster,
	})
	h.broadcastLocked(rm, pid, announce)
	h.log.Info("participant_joined", "session_id", sessionID, "participant_id", pid, "role", role, "members", len(rm.members))
	return nil
}

// leave removes p if it is still the live connection for its participant.
func (h *Hub) leave(sessionID string, p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[sessionID]
	if rm == nil {
		return
	}
	pid := p.identity.ParticipantID
	if rm.members[pid] != p {
		return
	}
	delete(rm.members, pid)
	h.log.Info("participant_left", "session_id", sessionID, "participant_id", pid, "members", len(rm.members))

	left, _ := signaling.NewEnvelope(signaling.TypeUserLeft, sessionID, "", "", signaling.UserLeftPayload{ParticipantID: pid})
	h.broadcastLocked(rm, pid, left)
	if len(rm.members) == 0 {
		delete(h.rooms, sessionID)
		h.metrics.Inc(metrics.RoomsClosed)
		h.log.Info("room_closed", "session_id", sessionID)
	}
}

// handle processes one frame from p. Every frame that reaches here is
// acknowledged, including duplicates and refused ones, so the sender stops
// replaying it.
func (h *Hub) handle(sessionID string, p *peerConn, env signaling.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[sessionID]
	if rm == nil || rm.members[p.identity.ParticipantID] != p {
		return
	}
	pid := p.identity.ParticipantID

	if rm.recent[pid].seen(env.ID) {
		h.metrics.Inc(metrics.SignalDuplicates)
		h.ack(p, env.ID)
		return
	}

	env.SessionID = sessionID
	env.SenderID = pid
	h.ack(p, env.ID)

	switch env.Type {
	case signaling.TypeJoinSession:
		// Already joined on this connection.
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate, signaling.TypeMediaToggle:
		if env.TargetID == "" {
			h.broadcastLocked(rm, pid, env)
			return
		}
		target, ok := rm.members[env.TargetID]
		if !ok {
			h.metrics.Inc(metrics.SignalUndeliverable)
			p.sendError(signaling.CodeUnknownTarget, "target "+env.TargetID+" is not in the session", env.ID)
			return
		}
		h.deliverLocked(target, env)
	case signaling.TypeChatMessage:
		h.broadcastLocked(rm, pid, env)
	case signaling.TypeEndSession:
		if p.identity.Role != auth.RoleDoctor {
			p.sendError(signaling.CodeForbidden, "only the doctor can end the session", env.ID)
			return
		}
		var req signaling.EndSessionPayload
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&req); err != nil {
				p.sendError(signaling.CodeBadMessage, err.Error(), env.ID)
				return
			}
		}
		h.endLocked(rm, pid, req.Reason)
	default:
		p.sendError(signaling.CodeForbidden, string(env.Type)+" is sent by the relay only", env.ID)
	}
}

func (h *Hub) ack(p *peerConn, id string) {
	h.metrics.Inc(metrics.SignalAcks)
	if !p.send(signaling.Ack(id)) {
		h.slowConsumer(p)
	}
}

func (h *Hub) deliverLocked(p *peerConn, env signaling.Envelope) {
	if p.send(env) {
		h.metrics.Inc(metrics.SignalFramesForwarded)
		return
	}
	h.metrics.Inc(metrics.SignalUndeliverable)
	h.slowConsumer(p)
}

func (h *Hub) broadcastLocked(rm *room, from string, env signaling.Envelope) {
	for _, p := range rm.others(from) {
		h.deliverLocked(p, env)
	}
}

func (h *Hub) slowConsumer(p *peerConn) {
	h.log.Warn("closing slow signaling connection", "participant_id", p.identity.ParticipantID)
	p.abort()
}

// endLocked tells everyone the session is over and closes the room.
func (h *Hub) endLocked(rm *room, endedBy, reason string) {
	env, _ := signaling.NewEnvelope(signaling.TypeSessionEnded, rm.id, endedBy, "", signaling.SessionEndedPayload{Reason: reason, EndedBy: endedBy})
	for _, p := range rm.members {
		p.send(env)
		p.closeWith(websocket.CloseNormalClosure, "session ended")
	}
	rm.members = map[string]*peerConn{}
	delete(h.rooms, rm.id)
	h.ended.seen(rm.id)
	h.metrics.Inc(metrics.SessionsEndedByDoctor)
	h.metrics.Inc(metrics.RoomsClosed)
	h.log.Info("session_ended", "session_id", rm.id, "ended_by", endedBy, "reason", reason)
}

// Close disconnects every participant and waits briefly for their writers to
// flush.
func (h *Hub) Close() {
	h.mu.Lock()
	var conns []*peerConn
	for id, rm := range h.rooms {
		conns = append(conns, lo.Values(rm.members)...)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	for _, p := range conns {
		p.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
	deadline := time.After(wsWriteWait)
	for _, p := range conns {
		select {
		case <-p.writerDone:
		case <-deadline:
			return
		}
	}
}
