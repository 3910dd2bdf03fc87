package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/chat"
	"github.com/teleclinic/consult/internal/media"
	"github.com/teleclinic/consult/internal/quality"
	"github.com/teleclinic/consult/internal/signaling"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
)

type Participant struct {
	ID   string
	Role string
}

// Summary is handed to Config.OnSessionEnd once the session has ended.
type Summary struct {
	SessionID string
	// StartTime is when the first link connected. It is zero for a session
	// that never became active.
	StartTime    time.Time
	EndTime      time.Time
	Notes        string
	Prescription string
	// RecordingRef is the storage reference of the last uploaded recording.
	RecordingRef string
	Reason       string
	EndedBy      string
}

// Event is delivered on Coordinator.Events.
type Event interface {
	isEvent()
}

type StatusEvent struct {
	Status Status
}

type ParticipantEvent struct {
	Participant Participant
	Joined      bool
}

// LinkEvent reports the state of the link to one participant. Err is set
// when the link has failed for good.
type LinkEvent struct {
	ParticipantID string
	State         webrtc.PeerConnectionState
	Err           error
}

// ConnectionEvent reports the signaling channel. Dropped counts outbound
// messages lost to a full outbox.
type ConnectionEvent struct {
	State   signaling.State
	Dropped int
	Err     error
}

type QualityEvent struct {
	Report quality.Report
}

type DeviceErrorEvent struct {
	Class    media.Class
	DeviceID string
	Err      error
}

type LocalMediaEvent struct {
	Class  media.Class
	Active bool
	Screen bool
}

type ChatEvent struct {
	Message chat.Message
}

// RemoteMediaEvent carries either a new remote track or a mute toggle from
// a participant.
type RemoteMediaEvent struct {
	ParticipantID string
	Track         *webrtc.TrackRemote
	Class         media.Class
	Muted         bool
	Paused        bool
}

type RecordingState string

const (
	RecordingStarted   RecordingState = "started"
	RecordingFinalized RecordingState = "finalized"
	RecordingUploaded  RecordingState = "uploaded"
	RecordingPending   RecordingState = "pending"
)

type RecordingEvent struct {
	State      RecordingState
	ArtifactID string
	Ref        string
	Err        error
}

type SessionEndedEvent struct {
	Summary Summary
}

func (StatusEvent) isEvent()       {}
func (ParticipantEvent) isEvent()  {}
func (LinkEvent) isEvent()         {}
func (ConnectionEvent) isEvent()   {}
func (QualityEvent) isEvent()      {}
func (DeviceErrorEvent) isEvent()  {}
func (LocalMediaEvent) isEvent()   {}
func (ChatEvent) isEvent()         {}
func (RemoteMediaEvent) isEvent()  {}
func (RecordingEvent) isEvent()    {}
func (SessionEndedEvent) isEvent() {}
