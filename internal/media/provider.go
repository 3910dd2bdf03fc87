package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// DeviceProvider is the platform capture stack. Encoding happens there;
// sources hand over encoded samples.
type DeviceProvider interface {
	Devices(ctx context.Context) ([]Device, error)
	// Open starts capturing from d. Errors should wrap ErrDeviceAccessDenied
	// or ErrDeviceUnavailable.
	Open(ctx context.Context, d Device) (Source, error)
}

// Source is an open capture.
type Source interface {
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks until the next sample is due. It returns io.EOF when
	// the source ends and an error once Close has been called.
	ReadSample() (pionmedia.Sample, error)
	Close() error
}
