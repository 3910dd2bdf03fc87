package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclinic/consult/internal/signaling"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	err  error
}

func (s *fakeSender) Send(env signaling.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func chatEnv(t *testing.T, sender string, seq uint64, text string, at time.Time) signaling.Envelope {
	t.Helper()
	env, err := signaling.NewEnvelope(signaling.TypeChatMessage, "s1", sender, "", signaling.ChatPayload{Text: text, Seq: seq})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.Timestamp = at
	return env
}

func TestSendNumbersMessagesPerSender(t *testing.T) {
	out := &fakeSender{}
	c := New("s1", "doc", out)
	for _, text := range []string{"hello", "how are you"} {
		if _, err := c.Send(text); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if len(out.sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(out.sent))
	}
	for i, env := range out.sent {
		var p signaling.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if p.Seq != uint64(i+1) || env.TargetID != "" || env.SenderID != "doc" {
			t.Fatalf("envelope %d: seq=%d target=%q sender=%q", i, p.Seq, env.TargetID, env.SenderID)
		}
	}
}

func TestSendRejects(t *testing.T) {
	out := &fakeSender{}
	c := New("s1", "doc", out)
	if _, err := c.Send(""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v, want %v", err, ErrEmptyMessage)
	}
	if _, err := c.Send(strings.Repeat("x", MaxMessageLength+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("err=%v, want %v", err, ErrMessageTooLong)
	}

	out.err = errors.New("closed")
	if _, err := c.Send("lost"); err == nil {
		t.Fatalf("expected send error")
	}
	out.err = nil
	if _, err := c.Send("kept"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var p signaling.ChatPayload
	_ = out.sent[0].DecodePayload(&p)
	if p.Seq != 1 {
		t.Fatalf("seq after failed send=%d, want 1", p.Seq)
	}
	if got := len(c.Timeline()); got != 1 {
		t.Fatalf("timeline=%d, want 1", got)
	}
}

func TestReceiveDropsDuplicatesAndStaleSeq(t *testing.T) {
	c := New("s1", "doc", &fakeSender{})
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		seq  uint64
		want bool
	}{{1, true}, {1, false}, {3, true}, {2, false}, {4, true}}
	for _, st := range steps {
		_, ok, err := c.Receive(chatEnv(t, "pat", st.seq, "m", at))
		if err != nil {
			t.Fatalf("Receive seq %d: %v", st.seq, err)
		}
		if ok != st.want {
			t.Fatalf("seq %d accepted=%v, want %v", st.seq, ok, st.want)
		}
	}
	if got := len(c.Timeline()); got != 3 {
		t.Fatalf("timeline=%d, want 3", got)
	}

	if _, ok, _ := c.Receive(chatEnv(t, "doc", 9, "echo", at)); ok {
		t.Fatalf("own message echoed into timeline")
	}
	ack := signaling.Ack("x")
	if _, _, err := c.Receive(ack); !errors.Is(err, ErrNotChatEnvelope) {
		t.Fatalf("err=%v, want %v", err, ErrNotChatEnvelope)
	}
}

func TestReceiveAcceptsRestartedSender(t *testing.T) {
	c := New("s1", "doc", &fakeSender{})
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	from := func(instance string, seq uint64) signaling.Envelope {
		env, err := signaling.NewEnvelope(signaling.TypeChatMessage, "s1", "pat", "", signaling.ChatPayload{Text: "m", Seq: seq, Instance: instance})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		env.Timestamp = at
		return env
	}

	steps := []struct {
		instance string
		seq      uint64
		want     bool
	}{
		{"first", 1, true},
		{"first", 2, true},
		{"first", 3, true},
		{"second", 1, true},
		{"second", 1, false},
		{"first", 4, false},
		{"second", 2, true},
	}
	for _, st := range steps {
		_, ok, err := c.Receive(from(st.instance, st.seq))
		if err != nil {
			t.Fatalf("Receive %s/%d: %v", st.instance, st.seq, err)
		}
		if ok != st.want {
			t.Fatalf("%s/%d accepted=%v, want %v", st.instance, st.seq, ok, st.want)
		}
	}
	if got := len(c.Timeline()); got != 5 {
		t.Fatalf("timeline=%d, want 5", got)
	}
}

func TestSendStampsOneInstancePerChat(t *testing.T) {
	out := &fakeSender{}
	first := New("s1", "doc", out)
	second := New("s1", "doc", out)
	for _, c := range []*Chat{first, first, second} {
		if _, err := c.Send("hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	instances := make([]string, len(out.sent))
	for i, env := range out.sent {
		var p signaling.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		instances[i] = p.Instance
	}
	if instances[0] == "" || instances[0] != instances[1] || instances[1] == instances[2] {
		t.Fatalf("instances=%q, want one per chat", instances)
	}
}

func TestTimelineOrder(t *testing.T) {
	c := New("s1", "doc", &fakeSender{})
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	c.Receive(chatEnv(t, "pat", 1, "late", t0.Add(2*time.Second)))
	c.Receive(chatEnv(t, "zed", 1, "tie-z", t0))
	c.Receive(chatEnv(t, "amy", 1, "tie-a1", t0))
	c.Receive(chatEnv(t, "amy", 2, "tie-a2", t0))

	var got []string
	for _, m := range c.Timeline() {
		got = append(got, m.Text)
	}
	want := []string{"tie-a1", "tie-a2", "tie-z", "late"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("timeline=%v, want %v", got, want)
	}
}

func TestExportWritesJSONLines(t *testing.T) {
	c := New("s1", "doc", &fakeSender{})
	c.Receive(chatEnv(t, "pat", 1, "hi", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	if _, err := c.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	sc := bufio.NewScanner(&buf)
	var lines []Message
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 || lines[0].Text != "hi" || !lines[1].Local {
		t.Fatalf("export=%+v", lines)
	}
}
