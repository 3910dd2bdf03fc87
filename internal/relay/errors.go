package relay

import "errors"

var (
	ErrTooManySessions = errors.New("too many sessions")
	// ErrNotMember is returned when a participant is neither the patient nor
	// the doctor of the appointment and is not an observer.
	ErrNotMember     = errors.New("not a member of this session")
	ErrSessionEnded  = errors.New("session ended")
	ErrRoleMismatch  = errors.New("join role does not match credentials")
	ErrSenderSpoofed = errors.New("sender id does not match credentials")
)
