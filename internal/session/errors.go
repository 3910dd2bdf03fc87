package session

import "errors"

var (
	// ErrSessionEnded is returned by every operation once the session has
	// ended. Calling Start on an ended session is a programming fault.
	ErrSessionEnded = errors.New("session: ended")
	// ErrInvalidTransition is returned for an operation the current status
	// does not allow.
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrRecordingDisabled = errors.New("session: recording is not configured")
)
