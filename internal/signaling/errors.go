package signaling

import "errors"

var (
	// ErrAuth means the relay rejected the participant's credentials or
	// membership. Joining cannot succeed without new credentials.
	ErrAuth = errors.New("signaling: authentication rejected")

	// ErrChannelUnavailable means the reconnect budget was exhausted. The
	// channel stays idle until Reconnect is called.
	ErrChannelUnavailable = errors.New("signaling: channel unavailable")

	ErrClosed = errors.New("signaling: channel closed")

	ErrInvalidEnvelope = errors.New("signaling: invalid envelope")
)
