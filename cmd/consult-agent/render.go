package main

import (
	"fmt"

	"github.com/teleclinic/consult/internal/session"
)

// render formats a session event for the terminal. Events not worth a line
// render as "".
func render(ev session.Event) string {
	switch ev := ev.(type) {
	case session.StatusEvent:
		return fmt.Sprintf("* session %s", ev.Status)
	case session.ParticipantEvent:
		if ev.Joined {
			return fmt.Sprintf("* %s (%s) joined", ev.Participant.ID, ev.Participant.Role)
		}
		return fmt.Sprintf("* %s left", ev.Participant.ID)
	case session.LinkEvent:
		if ev.Err != nil {
			return fmt.Sprintf("* link to %s %s: %v", ev.ParticipantID, ev.State, ev.Err)
		}
		return fmt.Sprintf("* link to %s %s", ev.ParticipantID, ev.State)
	case session.ConnectionEvent:
		switch {
		case ev.Dropped > 0:
			return fmt.Sprintf("! %d queued messages dropped while offline", ev.Dropped)
		case ev.Err != nil:
			return fmt.Sprintf("! signaling %s: %v", ev.State, ev.Err)
		default:
			return fmt.Sprintf("* signaling %s", ev.State)
		}
	case session.QualityEvent:
		r := ev.Report
		return fmt.Sprintf("~ %s quality %s (loss %.1f%%, rtt %s)", r.ParticipantID, r.Level, r.Loss*100, r.RTT)
	case session.DeviceErrorEvent:
		return fmt.Sprintf("! %s device %s: %v", ev.Class, ev.DeviceID, ev.Err)
	case session.LocalMediaEvent:
		switch {
		case !ev.Active:
			return fmt.Sprintf("* local %s off", ev.Class)
		case ev.Screen:
			return fmt.Sprintf("* sharing screen as %s", ev.Class)
		default:
			return fmt.Sprintf("* local %s on", ev.Class)
		}
	case session.ChatEvent:
		if ev.Message.Local {
			return ""
		}
		return fmt.Sprintf("<%s> %s", ev.Message.SenderID, ev.Message.Text)
	case session.RemoteMediaEvent:
		if ev.Track != nil {
			return fmt.Sprintf("* receiving %s from %s", ev.Class, ev.ParticipantID)
		}
		switch {
		case ev.Paused:
			return fmt.Sprintf("* %s paused", ev.ParticipantID)
		case ev.Muted:
			return fmt.Sprintf("* %s muted %s", ev.ParticipantID, ev.Class)
		default:
			return fmt.Sprintf("* %s unmuted %s", ev.ParticipantID, ev.Class)
		}
	case session.RecordingEvent:
		switch {
		case ev.Err != nil:
			return fmt.Sprintf("! recording %s %s: %v", ev.ArtifactID, ev.State, ev.Err)
		case ev.Ref != "":
			return fmt.Sprintf("* recording %s %s to %s", ev.ArtifactID, ev.State, ev.Ref)
		default:
			return fmt.Sprintf("* recording %s %s", ev.ArtifactID, ev.State)
		}
	case session.SessionEndedEvent:
		s := ev.Summary
		by := s.EndedBy
		if by == "" {
			by = "nobody"
		}
		return fmt.Sprintf("* session ended by %s: %s", by, s.Reason)
	}
	return ""
}
