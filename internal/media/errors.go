package media

import "errors"

var (
	// ErrDeviceAccessDenied means the device exists but capture was refused.
	ErrDeviceAccessDenied = errors.New("media: device access denied")
	// ErrDeviceUnavailable means no device matches the request.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrReleased          = errors.New("media: controller released")
)
