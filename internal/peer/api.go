package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/config"
)

// NewAPI builds the pion API shared by every link of a participant. The
// default interceptors are registered so RTCP reports feed GetStats.
func NewAPI(cfg config.Config, loggerFactory logging.LoggerFactory) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if loggerFactory != nil {
		se.LoggerFactory = loggerFactory
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return NewAPIWithSettingEngine(se)
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}

// NewAPIWithSettingEngine builds an API from a prepared SettingEngine, for
// callers that supply their own network such as a vnet.
func NewAPIWithSettingEngine(se webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}
