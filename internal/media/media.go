// Package media owns the local capture devices of a participant.
//
// A Controller keeps at most one active capture per device class and turns
// each capture into a pion local track. Requests for a class are applied in
// order by that class's worker, so two requests never race for a device.
package media

import (
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type Class string

const (
	ClassAudio Class = "audio"
	ClassVideo Class = "video"
)

type DeviceKind string

const (
	KindMicrophone DeviceKind = "microphone"
	KindCamera     DeviceKind = "camera"
	KindDisplay    DeviceKind = "display"
)

func (k DeviceKind) Class() Class {
	if k == KindMicrophone {
		return ClassAudio
	}
	return ClassVideo
}

type Device struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// MediaRequest describes the capture wanted for both classes. Audio false
// releases the audio class.
type MediaRequest struct {
	Audio bool
	// AudioDeviceID selects a microphone. Empty picks the first one.
	AudioDeviceID string
	Video         VideoRequest
}

// VideoRequest is one of DeviceSelector, ScreenCapture or NoVideo.
type VideoRequest interface {
	isVideoRequest()
}

// DeviceSelector captures a camera. Empty DeviceID picks the first one.
type DeviceSelector struct {
	DeviceID string
}

type ScreenCapture struct {
	DisplayID string
}

type NoVideo struct{}

func (DeviceSelector) isVideoRequest() {}
func (ScreenCapture) isVideoRequest()  {}
func (NoVideo) isVideoRequest()        {}

// Stream is the set of local tracks currently fed by captures. A nil track
// means the class has no capture.
type Stream struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
	// Screen is set when Video comes from a screen capture.
	Screen bool
}

func (s Stream) Empty() bool {
	return s.Audio == nil && s.Video == nil
}

// Sample is a captured sample tapped for recording.
type Sample struct {
	Class  Class
	Codec  webrtc.RTPCodecCapability
	Sample pionmedia.Sample
}

// Event is delivered on Controller.Events.
type Event interface {
	isEvent()
}

// SourceChangedEvent reports a new track for a class, either after a request
// or after the controller fell back from an ended screen capture to the
// camera. Track is nil when the class was released.
type SourceChangedEvent struct {
	Class  Class
	Track  *webrtc.TrackLocalStaticSample
	Screen bool
}

// DeviceErrorEvent reports a failed capture. Err wraps ErrDeviceAccessDenied
// or ErrDeviceUnavailable.
type DeviceErrorEvent struct {
	Class    Class
	DeviceID string
	Err      error
}

// SourceEndedEvent reports a capture that reached end of stream with nothing
// to fall back to.
type SourceEndedEvent struct {
	Class Class
}

func (SourceChangedEvent) isEvent() {}
func (DeviceErrorEvent) isEvent()   {}
func (SourceEndedEvent) isEvent()   {}
