// Package chat carries in-consultation text chat over the signaling channel
// and keeps the doctor's notes and prescription for the clinical record.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teleclinic/consult/internal/signaling"
)

const MaxMessageLength = 4000

var (
	ErrEmptyMessage    = errors.New("chat: message is empty")
	ErrMessageTooLong  = errors.New("chat: message too long")
	ErrNotChatEnvelope = errors.New("chat: not a chat_message envelope")
)

// Sender delivers envelopes to the relay. *signaling.Channel satisfies it.
type Sender interface {
	Send(env signaling.Envelope) error
}

type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Local     bool      `json:"local,omitempty"`

	arrival uint64
}

// Chat is one participant's view of a session's chat. It is not persisted;
// Export is the only way to keep a transcript.
type Chat struct {
	sessionID string
	localID   string
	instance  string
	out       Sender

	mu       sync.Mutex
	seq      uint64
	lastSeen map[string]position
	retired  map[instanceKey]bool
	messages []Message
	arrivals uint64
}

// position is the newest message seen from one sender.
type position struct {
	instance string
	seq      uint64
}

type instanceKey struct {
	sender, instance string
}

func New(sessionID, localID string, out Sender) *Chat {
	return &Chat{
		sessionID: sessionID,
		localID:   localID,
		instance:  signaling.NewID(),
		out:       out,
		lastSeen:  make(map[string]position),
		retired:   make(map[instanceKey]bool),
	}
}

// Send queues text for the other participants. The message joins the local
// timeline once the channel has accepted it.
func (c *Chat) Send(text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return Message{}, ErrMessageTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq + 1
	env, err := signaling.NewEnvelope(signaling.TypeChatMessage, c.sessionID, c.localID, "", signaling.ChatPayload{Text: text, Seq: seq, Instance: c.instance})
	if err != nil {
		return Message{}, err
	}
	if err := c.out.Send(env); err != nil {
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}
	c.seq = seq
	msg := Message{ID: env.ID, SenderID: c.localID, Seq: seq, Text: text, Timestamp: env.Timestamp, Local: true}
	c.appendLocked(msg)
	return msg, nil
}

// Receive adds a remote chat_message to the timeline. It reports false for
// duplicates and for messages older than the newest seen from that sender.
// A sender that restarted numbers from 1 again under a new instance; messages
// from the instance it replaced are dropped from then on.
func (c *Chat) Receive(env signaling.Envelope) (Message, bool, error) {
	if env.Type != signaling.TypeChatMessage {
		return Message{}, false, ErrNotChatEnvelope
	}
	var p signaling.ChatPayload
	if err := env.DecodePayload(&p); err != nil {
		return Message{}, false, err
	}
	if env.SenderID == c.localID {
		return Message{}, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.lastSeen[env.SenderID]
	switch {
	case c.retired[instanceKey{env.SenderID, p.Instance}]:
		return Message{}, false, nil
	case seen && p.Instance != last.instance:
		c.retired[instanceKey{env.SenderID, last.instance}] = true
	case p.Seq <= last.seq:
		return Message{}, false, nil
	}
	c.lastSeen[env.SenderID] = position{instance: p.Instance, seq: p.Seq}
	msg := Message{ID: env.ID, SenderID: env.SenderID, Seq: p.Seq, Text: p.Text, Timestamp: env.Timestamp}
	c.appendLocked(msg)
	return msg, true, nil
}

func (c *Chat) appendLocked(m Message) {
	c.arrivals++
	m.arrival = c.arrivals
	c.messages = append(c.messages, m)
}

// Timeline returns every message ordered by timestamp, then sender id, then
// arrival.
func (c *Chat) Timeline() []Message {
	c.mu.Lock()
	out := append([]Message(nil), c.messages...)
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.SenderID != b.SenderID {
			return a.SenderID < b.SenderID
		}
		return a.arrival < b.arrival
	})
	return out
}

// Export writes the timeline as JSON lines.
func (c *Chat) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, m := range c.Timeline() {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("chat: export: %w", err)
		}
	}
	return nil
}
