package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teleclinic/consult/internal/chat"
	"github.com/teleclinic/consult/internal/media"
	"github.com/teleclinic/consult/internal/recording"
)

// consultation is the part of *session.Coordinator the command line drives.
type consultation interface {
	AppendNotes(text string) error
	SetPrescription(text string) error
	ShareScreen(ctx context.Context, displayID string) error
	StopScreenShare(ctx context.Context) error
	SetMuted(class media.Class, muted bool) error
	Pause() error
	Resume() error
	End(reason string) error
	Reconnect() error
	StartRecording() error
	StopRecording() (recording.Artifact, error)
	SendChat(text string) (chat.Message, error)
}

var errUsage = errors.New("usage")

const helpText = `commands:
  /note <text>          append to the consultation notes
  /rx <text>            replace the prescription
  /screen [display-id]  share a screen
  /camera               stop sharing and return to the camera
  /mute audio|video     mute a track
  /unmute audio|video   unmute a track
  /pause, /resume       pause or resume the consultation
  /record start|stop    control recording
  /reconnect            retry signaling after the relay became unavailable
  /end [reason]         end the consultation
anything else is sent as a chat message`

// dispatch runs one input line. It returns a line to print, or "" for none.
func dispatch(ctx context.Context, c consultation, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "/") {
		msg, err := c.SendChat(line)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sent #%d", msg.Seq), nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "help":
		return helpText, nil
	case "note":
		if arg == "" {
			return "", fmt.Errorf("%w: /note <text>", errUsage)
		}
		return "", c.AppendNotes(arg + "\n")
	case "rx":
		return "", c.SetPrescription(arg)
	case "screen":
		return "", c.ShareScreen(ctx, arg)
	case "camera":
		return "", c.StopScreenShare(ctx)
	case "mute", "unmute":
		class, err := parseClass(arg)
		if err != nil {
			return "", err
		}
		return "", c.SetMuted(class, cmd == "mute")
	case "pause":
		return "", c.Pause()
	case "resume":
		return "", c.Resume()
	case "record":
		switch arg {
		case "start":
			return "", c.StartRecording()
		case "stop":
			art, err := c.StopRecording()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("recording %s finalized with %d tracks", art.ID, len(art.Tracks)), nil
		default:
			return "", fmt.Errorf("%w: /record start|stop", errUsage)
		}
	case "reconnect":
		return "", c.Reconnect()
	case "end":
		if arg == "" {
			arg = "ended by participant"
		}
		return "", c.End(arg)
	default:
		return "", fmt.Errorf("%w: unknown command /%s, try /help", errUsage, cmd)
	}
}

func parseClass(raw string) (media.Class, error) {
	switch media.Class(raw) {
	case media.ClassAudio, media.ClassVideo:
		return media.Class(raw), nil
	default:
		return "", fmt.Errorf("%w: expected audio or video, got %q", errUsage, raw)
	}
}
