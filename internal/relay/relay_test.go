package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/scheduling"
	"github.com/teleclinic/consult/internal/signaling"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testRelay struct {
	srv     *httptest.Server
	hub     *Hub
	metrics *metrics.Metrics
}

func newTestRelay(t *testing.T, cfg Config, opts ServerOptions) *testRelay {
	t.Helper()
	dir := scheduling.NewDirectory(
		scheduling.Appointment{ID: "s1", PatientID: "pat", DoctorID: "doc"},
		scheduling.Appointment{ID: "s2", PatientID: "pat2", DoctorID: "doc"},
	)
	m := metrics.New()
	hub := NewHub(cfg, dir, m, nil)
	opts.Metrics = m
	srv := httptest.NewServer(NewServer(cfg, hub, auth.DevVerifier{}, opts))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testRelay{srv: srv, hub: hub, metrics: m}
}

func (tr *testRelay) url() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/v1/signal"
}

func (tr *testRelay) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := tr.url()
	if token != "" {
		u += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeEnv(t *testing.T, ws *websocket.Conn, env signaling.Envelope) {
	t.Helper()
	b, err := signaling.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnv(t *testing.T, ws *websocket.Conn) signaling.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := signaling.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env
}

// readUntil skips frames until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(signaling.Envelope) bool) signaling.Envelope {
	t.Helper()
	for {
		env := readEnv(t, ws)
		if match(env) {
			return env
		}
	}
}

func ofType(typ signaling.MessageType) func(signaling.Envelope) bool {
	return func(env signaling.Envelope) bool { return env.Type == typ }
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err=%v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code=%d, want %d", ce.Code, code)
		}
		return
	}
}

func errorCode(t *testing.T, env signaling.Envelope) string {
	t.Helper()
	var p signaling.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return p.Code
}

func sendJoin(t *testing.T, ws *websocket.Conn, session, id, role string) signaling.Envelope {
	t.Helper()
	join, err := signaling.NewEnvelope(signaling.TypeJoinSession, session, id, "", signaling.JoinPayload{Role: role})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	writeEnv(t, ws, join)
	return join
}

// joinAs joins session s1 and consumes the ack and self roster frame.
func (tr *testRelay) joinAs(t *testing.T, id, role string) (*websocket.Conn, signaling.UserJoinedPayload) {
	t.Helper()
	ws := tr.dial(t, id+":"+role)
	join := sendJoin(t, ws, "s1", id, role)

	ack := readEnv(t, ws)
	if ack.Type != signaling.TypeAck || ack.ID != join.ID {
		t.Fatalf("first frame=%+v, want ack of join", ack)
	}
	self := readEnv(t, ws)
	var p signaling.UserJoinedPayload
	if self.Type != signaling.TypeUserJoined {
		t.Fatalf("second frame type=%q, want user_joined", self.Type)
	}
	if err := self.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.ParticipantID != id {
		t.Fatalf("self user_joined for %q, want %q", p.ParticipantID, id)
	}
	return ws, p
}

func chatFrame(t *testing.T, text string, seq uint64) signaling.Envelope {
	t.Helper()
	env, err := signaling.NewEnvelope(signaling.TypeChatMessage, "s1", "", "", signaling.ChatPayload{Text: text, Seq: seq})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestJoinRosterAndPresence(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	doc, _ := tr.joinAs(t, "doc", "doctor")
	pat, roster := tr.joinAs(t, "pat", "patient")

	if len(roster.Participants) != 2 || roster.Participants[0].ID != "doc" || roster.Participants[1].ID != "pat" {
		t.Fatalf("roster=%+v, want [doc pat]", roster.Participants)
	}
	existing := readEnv(t, pat)
	var p signaling.UserJoinedPayload
	if err := existing.DecodePayload(&p); err != nil || p.ParticipantID != "doc" || p.Role != "doctor" {
		t.Fatalf("existing participant frame=%+v err=%v", p, err)
	}

	joined := readUntil(t, doc, ofType(signaling.TypeUserJoined))
	if err := joined.DecodePayload(&p); err != nil || p.ParticipantID != "pat" {
		t.Fatalf("doctor saw join of %+v err=%v", p, err)
	}

	_ = pat.Close()
	left := readUntil(t, doc, ofType(signaling.TypeUserLeft))
	var lp signaling.UserLeftPayload
	if err := left.DecodePayload(&lp); err != nil || lp.ParticipantID != "pat" {
		t.Fatalf("user_left=%+v err=%v", lp, err)
	}
	if got := tr.metrics.Get(metrics.RoomsOpened); got != 1 {
		t.Fatalf("rooms opened=%d, want 1", got)
	}
}

func TestUnauthorizedTokenClosesWithPolicyViolation(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	ws := tr.dial(t, "not-a-token")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeUnauthorized {
		t.Fatalf("code=%q, want %q", code, signaling.CodeUnauthorized)
	}
	expectClose(t, ws, websocket.ClosePolicyViolation)
	if got := tr.metrics.Get(metrics.SignalAuthFailures); got != 1 {
		t.Fatalf("auth failures=%d, want 1", got)
	}
}

func TestNonMemberRejected(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	ws := tr.dial(t, "eve:patient")
	sendJoin(t, ws, "s1", "eve", "patient")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeNotMember {
		t.Fatalf("code=%q, want %q", code, signaling.CodeNotMember)
	}
	expectClose(t, ws, websocket.ClosePolicyViolation)

	_, err := signaling.Connect(context.Background(), signaling.Config{
		URL: tr.url(), SessionID: "s1", ParticipantID: "eve", Role: "patient", Token: "eve:patient",
	})
	if !errors.Is(err, signaling.ErrAuth) {
		t.Fatalf("Connect err=%v, want %v", err, signaling.ErrAuth)
	}
}

func TestJoinRoleMustMatchToken(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	ws := tr.dial(t, "pat:patient")
	sendJoin(t, ws, "s1", "pat", "doctor")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeNotMember {
		t.Fatalf("code=%q, want %q", code, signaling.CodeNotMember)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	ws := tr.dial(t, "pat:patient")
	sendJoin(t, ws, "nope", "pat", "patient")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeNotMember {
		t.Fatalf("code=%q, want %q", code, signaling.CodeNotMember)
	}
}

func TestObserverMayJoin(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	tr.joinAs(t, "nurse-1", "observer")
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	ws := tr.dial(t, "pat:patient")
	writeEnv(t, ws, chatFrame(t, "hi", 1))
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeJoinRequired {
		t.Fatalf("code=%q, want %q", code, signaling.CodeJoinRequired)
	}
	expectClose(t, ws, websocket.ClosePolicyViolation)
}

func TestJoinTimeout(t *testing.T) {
	tr := newTestRelay(t, Config{JoinTimeout: 50 * time.Millisecond}, ServerOptions{})

	ws := tr.dial(t, "pat:patient")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeJoinRequired {
		t.Fatalf("code=%q, want %q", code, signaling.CodeJoinRequired)
	}
	if got := tr.metrics.Get(metrics.SignalJoinTimeout); got != 1 {
		t.Fatalf("join timeouts=%d, want 1", got)
	}
}

func TestTargetedRouting(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	doc, _ := tr.joinAs(t, "doc", "doctor")
	pat, _ := tr.joinAs(t, "pat", "patient")

	offer, _ := signaling.NewEnvelope(signaling.TypeOffer, "s1", "", "pat", signaling.SDPPayload{Type: "offer", SDP: "v=0"})
	writeEnv(t, doc, offer)

	ack := readUntil(t, doc, ofType(signaling.TypeAck))
	if ack.ID != offer.ID {
		t.Fatalf("ack id=%q, want %q", ack.ID, offer.ID)
	}
	got := readUntil(t, pat, ofType(signaling.TypeOffer))
	if got.ID != offer.ID || got.SenderID != "doc" || got.TargetID != "pat" {
		t.Fatalf("forwarded offer=%+v", got)
	}

	stray, _ := signaling.NewEnvelope(signaling.TypeAnswer, "s1", "", "ghost", signaling.SDPPayload{Type: "answer", SDP: "v=0"})
	writeEnv(t, doc, stray)
	errEnv := readUntil(t, doc, ofType(signaling.TypeError))
	if code := errorCode(t, errEnv); code != signaling.CodeUnknownTarget {
		t.Fatalf("code=%q, want %q", code, signaling.CodeUnknownTarget)
	}
}

func TestSenderIDIsStampedByRelay(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	doc, _ := tr.joinAs(t, "doc", "doctor")
	pat, _ := tr.joinAs(t, "pat", "patient")

	env := chatFrame(t, "hello", 1)
	env.SenderID = "doc"
	writeEnv(t, pat, env)

	got := readUntil(t, doc, ofType(signaling.TypeChatMessage))
	if got.SenderID != "pat" {
		t.Fatalf("sender=%q, want pat", got.SenderID)
	}
}

func TestDuplicateIsAckedButNotForwarded(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	doc, _ := tr.joinAs(t, "doc", "doctor")
	pat, _ := tr.joinAs(t, "pat", "patient")
	readUntil(t, doc, ofType(signaling.TypeUserJoined))

	dup := chatFrame(t, "once", 1)
	next := chatFrame(t, "twice", 2)
	writeEnv(t, pat, dup)
	writeEnv(t, pat, dup)
	writeEnv(t, pat, next)

	acks := 0
	for acks < 3 {
		if readEnv(t, pat).Type == signaling.TypeAck {
			acks++
		}
	}

	first := readUntil(t, doc, ofType(signaling.TypeChatMessage))
	second := readUntil(t, doc, ofType(signaling.TypeChatMessage))
	if first.ID != dup.ID || second.ID != next.ID {
		t.Fatalf("doctor saw %q then %q, want %q then %q", first.ID, second.ID, dup.ID, next.ID)
	}
	if got := tr.metrics.Get(metrics.SignalDuplicates); got != 1 {
		t.Fatalf("duplicates=%d, want 1", got)
	}
}

func TestOnlyDoctorEndsSession(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	doc, _ := tr.joinAs(t, "doc", "doctor")
	pat, _ := tr.joinAs(t, "pat", "patient")

	end, _ := signaling.NewEnvelope(signaling.TypeEndSession, "s1", "", "", signaling.EndSessionPayload{Reason: "done"})
	writeEnv(t, pat, end)
	if code := errorCode(t, readUntil(t, pat, ofType(signaling.TypeError))); code != signaling.CodeForbidden {
		t.Fatalf("code=%q, want %q", code, signaling.CodeForbidden)
	}

	end, _ = signaling.NewEnvelope(signaling.TypeEndSession, "s1", "", "", signaling.EndSessionPayload{Reason: "done"})
	writeEnv(t, doc, end)
	for _, ws := range []*websocket.Conn{doc, pat} {
		ended := readUntil(t, ws, ofType(signaling.TypeSessionEnded))
		var p signaling.SessionEndedPayload
		if err := ended.DecodePayload(&p); err != nil || p.EndedBy != "doc" || p.Reason != "done" {
			t.Fatalf("session_ended=%+v err=%v", p, err)
		}
		expectClose(t, ws, websocket.CloseNormalClosure)
	}

	late := tr.dial(t, "pat:patient")
	sendJoin(t, late, "s1", "pat", "patient")
	if code := errorCode(t, readEnv(t, late)); code != signaling.CodeSessionEnded {
		t.Fatalf("code=%q, want %q", code, signaling.CodeSessionEnded)
	}
	if got := tr.hub.RoomCount(); got != 0 {
		t.Fatalf("rooms=%d, want 0", got)
	}
}

func TestRejoinReplacesOlderConnection(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})
	doc, _ := tr.joinAs(t, "doc", "doctor")
	old, _ := tr.joinAs(t, "pat", "patient")
	readUntil(t, doc, ofType(signaling.TypeUserJoined))

	fresh, _ := tr.joinAs(t, "pat", "patient")
	expectClose(t, old, websocket.CloseNormalClosure)

	// The doctor learns about the rejoin and never sees pat leave.
	env := readEnv(t, doc)
	if env.Type != signaling.TypeUserJoined {
		t.Fatalf("doctor got %q, want user_joined", env.Type)
	}

	writeEnv(t, fresh, chatFrame(t, "still here", 1))
	got := readEnv(t, doc)
	if got.Type != signaling.TypeChatMessage {
		t.Fatalf("doctor got %q, want chat_message", got.Type)
	}
	if n := tr.metrics.Get(metrics.SignalRejoinReplaced); n != 1 {
		t.Fatalf("replaced=%d, want 1", n)
	}
}

func TestMaxRooms(t *testing.T) {
	tr := newTestRelay(t, Config{MaxRooms: 1}, ServerOptions{})
	tr.joinAs(t, "doc", "doctor")

	ws := tr.dial(t, "pat2:patient")
	sendJoin(t, ws, "s2", "pat2", "patient")
	if code := errorCode(t, readEnv(t, ws)); code != signaling.CodeTooMany {
		t.Fatalf("code=%q, want %q", code, signaling.CodeTooMany)
	}
	expectClose(t, ws, websocket.CloseTryAgainLater)
	if got := tr.metrics.Get(metrics.RoomsRejected); got != 1 {
		t.Fatalf("rejected=%d, want 1", got)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	clk := &testClock{now: time.Unix(0, 0)}
	tr := newTestRelay(t, Config{MessagesPerSecond: 2}, ServerOptions{Clock: clk})
	pat, _ := tr.joinAs(t, "pat", "patient")

	for i := 1; i <= 3; i++ {
		writeEnv(t, pat, chatFrame(t, "spam", uint64(i)))
	}
	errEnv := readUntil(t, pat, ofType(signaling.TypeError))
	if code := errorCode(t, errEnv); code != signaling.CodeRateLimited {
		t.Fatalf("code=%q, want %q", code, signaling.CodeRateLimited)
	}
	expectClose(t, pat, websocket.CloseTryAgainLater)
	if got := tr.metrics.Get(metrics.SignalRateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}
}

func TestOriginPolicy(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{AllowedOrigins: []string{"https://clinic.example"}})

	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(tr.url()+"?token=pat:patient", header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("resp=%v, want 403", resp)
	}

	header = map[string][]string{"Origin": {"https://clinic.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(tr.url()+"?token=pat:patient", header)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	_ = ws.Close()
}

func TestChannelReplayReachesPeerExactlyOnceInOrder(t *testing.T) {
	tr := newTestRelay(t, Config{}, ServerOptions{})

	connect := func(id, role string) *signaling.Channel {
		ch, err := signaling.Connect(context.Background(), signaling.Config{
			URL:              tr.url(),
			SessionID:        "s1",
			ParticipantID:    id,
			Role:             role,
			Token:            id + ":" + role,
			ReconnectInitial: 50 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Connect %s: %v", id, err)
		}
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}
	doc := connect("doc", "doctor")
	pat := connect("pat", "patient")

	// Sever the patient's connection from the relay side.
	tr.hub.mu.Lock()
	tr.hub.rooms["s1"].members["pat"].abort()
	tr.hub.mu.Unlock()

	for ev := range pat.Events() {
		if se, ok := ev.(signaling.StateEvent); ok && se.State == signaling.StateReconnecting {
			break
		}
	}
	for i, text := range []string{"one", "two", "three"} {
		env, _ := signaling.NewEnvelope(signaling.TypeChatMessage, "", "", "", signaling.ChatPayload{Text: text, Seq: uint64(i + 1)})
		if err := pat.Send(env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var got []string
	timeout := time.After(5 * time.Second)
	settle := time.NewTimer(time.Hour)
	for {
		select {
		case ev := <-doc.Events():
			me, ok := ev.(signaling.MessageEvent)
			if !ok || me.Envelope.Type != signaling.TypeChatMessage {
				continue
			}
			var p signaling.ChatPayload
			if err := me.Envelope.DecodePayload(&p); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			got = append(got, p.Text)
			if len(got) == 3 {
				settle.Reset(200 * time.Millisecond)
			}
		case <-settle.C:
			if strings.Join(got, ",") != "one,two,three" {
				t.Fatalf("doctor saw %v, want [one two three]", got)
			}
			return
		case <-timeout:
			t.Fatalf("doctor saw %v before timeout", got)
		}
	}
}

func TestReplayedBacklogStaysUnderRateLimit(t *testing.T) {
	const backlog = 25
	tr := newTestRelay(t, Config{MessagesPerSecond: 10}, ServerOptions{})

	connect := func(id, role string) *signaling.Channel {
		ch, err := signaling.Connect(context.Background(), signaling.Config{
			URL:              tr.url(),
			SessionID:        "s1",
			ParticipantID:    id,
			Role:             role,
			Token:            id + ":" + role,
			ReconnectInitial: 200 * time.Millisecond,
			SendRate:         8,
		})
		if err != nil {
			t.Fatalf("Connect %s: %v", id, err)
		}
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}
	doc := connect("doc", "doctor")
	pat := connect("pat", "patient")

	tr.hub.mu.Lock()
	tr.hub.rooms["s1"].members["pat"].abort()
	tr.hub.mu.Unlock()

	for ev := range pat.Events() {
		if se, ok := ev.(signaling.StateEvent); ok && se.State == signaling.StateReconnecting {
			break
		}
	}
	for i := 1; i <= backlog; i++ {
		env, _ := signaling.NewEnvelope(signaling.TypeChatMessage, "", "", "", signaling.ChatPayload{Text: "queued", Seq: uint64(i)})
		if err := pat.Send(env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var mu sync.Mutex
	reconnects := 0
	go func() {
		for ev := range pat.Events() {
			if se, ok := ev.(signaling.StateEvent); ok && se.State == signaling.StateReconnecting {
				mu.Lock()
				reconnects++
				mu.Unlock()
			}
		}
	}()

	var seqs []uint64
	timeout := time.After(10 * time.Second)
	for len(seqs) < backlog {
		select {
		case ev := <-doc.Events():
			me, ok := ev.(signaling.MessageEvent)
			if !ok || me.Envelope.Type != signaling.TypeChatMessage {
				continue
			}
			var p signaling.ChatPayload
			if err := me.Envelope.DecodePayload(&p); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			seqs = append(seqs, p.Seq)
		case <-timeout:
			t.Fatalf("doctor got %d/%d chats before timeout", len(seqs), backlog)
		}
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("chat %d has seq %d, want %d", i, seq, i+1)
		}
	}
	if got := tr.metrics.Get(metrics.SignalRateLimited); got != 0 {
		t.Fatalf("rate limited=%d, want 0", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if reconnects != 0 {
		t.Fatalf("patient reconnected %d more times, want 0", reconnects)
	}
}
