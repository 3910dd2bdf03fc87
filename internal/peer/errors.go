package peer

import "errors"

var (
	// ErrNegotiationTimeout means the link did not connect within the
	// negotiation ceiling, including the one ICE restart.
	ErrNegotiationTimeout = errors.New("peer: negotiation timeout")
	// ErrLinkFailed means the link failed again after its ICE restart.
	ErrLinkFailed = errors.New("peer: link failed")
	ErrClosed     = errors.New("peer: link closed")
)
