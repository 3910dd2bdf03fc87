package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeJoinSession  MessageType = "join_session"
	TypeUserJoined   MessageType = "user_joined"
	TypeUserLeft     MessageType = "user_left"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"
	TypeMediaToggle  MessageType = "media_toggle"
	TypeChatMessage  MessageType = "chat_message"
	TypeEndSession   MessageType = "end_session"
	TypeSessionEnded MessageType = "session_ended"

	// Relay control frames.
	TypeAck   MessageType = "ack"
	TypeError MessageType = "error"
)

// Targeted reports whether the relay delivers the type to TargetID only.
func (t MessageType) Targeted() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}

func (t MessageType) known() bool {
	switch t {
	case TypeJoinSession, TypeUserJoined, TypeUserLeft, TypeOffer, TypeAnswer,
		TypeICECandidate, TypeMediaToggle, TypeChatMessage, TypeEndSession,
		TypeSessionEnded, TypeAck, TypeError:
		return true
	default:
		return false
	}
}

// Envelope is the unit exchanged over the signaling path. Payload holds the
// type-specific body; see the *Payload types.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type JoinPayload struct {
	Role string `json:"role" validate:"required,oneof=patient doctor observer"`
}

type Participant struct {
	ID   string `json:"id" validate:"required"`
	Role string `json:"role" validate:"required,oneof=patient doctor observer"`
}

// UserJoinedPayload announces ParticipantID. The frame a joiner receives about
// itself also carries the full roster.
type UserJoinedPayload struct {
	ParticipantID string        `json:"participantId" validate:"required"`
	Role          string        `json:"role" validate:"required,oneof=patient doctor observer"`
	Participants  []Participant `json:"participants,omitempty" validate:"dive"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participantId" validate:"required"`
}

type SDPPayload struct {
	Type string `json:"type" validate:"required,oneof=offer answer"`
	SDP  string `json:"sdp" validate:"required"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDPPayload {
	return SDPPayload{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDPPayload) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type CandidatePayload struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) CandidatePayload {
	return CandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c CandidatePayload) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type MediaTogglePayload struct {
	Kind  string `json:"kind" validate:"required,oneof=audio video"`
	Muted bool   `json:"muted"`
	// Paused is set when the toggle comes from pausing the whole session.
	Paused bool `json:"paused,omitempty"`
}

type ChatPayload struct {
	Text string `json:"text" validate:"required,max=4000"`
	// Seq increases by one per message from the same sender instance.
	Seq uint64 `json:"seq" validate:"gte=1"`
	// Instance identifies the sender's chat; Seq starts over at 1 when a
	// participant restarts and comes back with a new instance.
	Instance string `json:"instance,omitempty" validate:"omitempty,max=64"`
}

type EndSessionPayload struct {
	Reason string `json:"reason,omitempty" validate:"max=256"`
}

type SessionEndedPayload struct {
	Reason  string `json:"reason,omitempty"`
	EndedBy string `json:"endedBy,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message" validate:"required"`
	// RefID is the id of the frame that caused the error, when there is one.
	RefID string `json:"refId,omitempty"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnauthorized  = "unauthorized"
	CodeNotMember     = "not_member"
	CodeBadMessage    = "bad_message"
	CodeRateLimited   = "rate_limited"
	CodeUnknownTarget = "unknown_target"
	CodeForbidden     = "forbidden"
	CodeTooMany       = "too_many_sessions"
	CodeJoinRequired  = "join_required"
	CodeUnavailable   = "unavailable"
	CodeSessionEnded  = "session_ended"
)

var validate = validator.New()

// NewID returns a time-ordered envelope id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewEnvelope builds an envelope with a fresh id and the current time.
// payload may be nil.
func NewEnvelope(typ MessageType, sessionID, senderID, targetID string, payload any) (Envelope, error) {
	env := Envelope{
		ID:        NewID(),
		Type:      typ,
		SessionID: sessionID,
		SenderID:  senderID,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Ack builds the relay's confirmation for the envelope with the given id.
func Ack(id string) Envelope {
	return Envelope{ID: id, Type: TypeAck, Timestamp: time.Now().UTC()}
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses exactly one strict JSON envelope and checks its structure.
// Payload contents are checked by DecodePayload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields every envelope of its type must carry.
func (e Envelope) Validate() error {
	if !e.Type.known() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: %s missing id", ErrInvalidEnvelope, e.Type)
	}
	switch e.Type {
	case TypeAck:
		return nil
	case TypeError:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: error missing payload", ErrInvalidEnvelope)
		}
		return nil
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: %s missing sessionId", ErrInvalidEnvelope, e.Type)
	}
	if e.Type.Targeted() && e.TargetID == "" {
		return fmt.Errorf("%w: %s missing targetId", ErrInvalidEnvelope, e.Type)
	}
	switch e.Type {
	case TypeJoinSession, TypeUserJoined, TypeUserLeft, TypeOffer, TypeAnswer,
		TypeICECandidate, TypeMediaToggle, TypeChatMessage:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s missing payload", ErrInvalidEnvelope, e.Type)
		}
	}
	return nil
}

// DecodePayload strictly decodes the payload into v and validates it.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s missing payload", ErrInvalidEnvelope, e.Type)
	}
	if err := decodeStrict(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidEnvelope, e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidEnvelope, e.Type, err)
	}
	if sdp, ok := v.(*SDPPayload); ok && string(e.Type) != sdp.Type {
		return fmt.Errorf("%w: %s carries sdp.type=%q", ErrInvalidEnvelope, e.Type, sdp.Type)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
