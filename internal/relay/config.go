package relay

import (
	"time"

	"github.com/teleclinic/consult/internal/config"
)

type Config struct {
	// JoinTimeout bounds how long a new connection may take to send
	// join_session.
	JoinTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	// MaxRooms caps concurrently open rooms. 0 means unlimited.
	MaxRooms int
	// DedupWindow is how many recent envelope ids are remembered per
	// participant.
	DedupWindow int
	// SendQueueBytes bounds the frames waiting to be written to one
	// connection. A connection that falls this far behind is closed.
	SendQueueBytes int
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:       config.DefaultJoinTimeout,
		IdleTimeout:       config.DefaultSignalingWSIdleTimeout,
		PingInterval:      config.DefaultSignalingWSPingInterval,
		MaxMessageBytes:   config.DefaultMaxSignalingMessageBytes,
		MessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
		DedupWindow:       config.DefaultDedupWindow,
		SendQueueBytes:    1 << 20, // 1MiB
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.MaxRooms < 0 {
		c.MaxRooms = 0
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	return c
}

// ConfigFrom maps the process configuration onto the relay's settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		JoinTimeout:       cfg.JoinTimeout,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxRooms:          cfg.MaxSessions,
		DedupWindow:       cfg.DedupWindow,
	}.WithDefaults()
}
