package recording

import "errors"

var (
	// ErrUploadFailure wraps the last error of an upload that exhausted its
	// retries. The artifact is kept as a pending upload.
	ErrUploadFailure = errors.New("recording: upload failed")
	// ErrNoActiveMedia means there is no local stream to record.
	ErrNoActiveMedia = errors.New("recording: no active media")
	ErrNotRecording  = errors.New("recording: not recording")
	ErrShutdown      = errors.New("recording: pipeline shut down")
)
