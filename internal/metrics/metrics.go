package metrics

import "sync"

// Counter names recorded by the signaling relay.
const (
	SignalConnections      = "signal_connections"
	SignalAuthFailures     = "signal_auth_failures"
	SignalJoinRejected     = "signal_join_rejected"
	SignalJoinTimeout      = "signal_join_timeout"
	SignalFramesIn         = "signal_frames_in"
	SignalFramesForwarded  = "signal_frames_forwarded"
	SignalAcks             = "signal_acks"
	SignalDuplicates       = "signal_duplicates"
	SignalRateLimited      = "signal_rate_limited"
	SignalMalformed        = "signal_malformed"
	SignalRejoinReplaced   = "signal_rejoin_replaced"
	SignalUndeliverable    = "signal_undeliverable"
	RoomsOpened            = "rooms_opened"
	RoomsClosed            = "rooms_closed"
	RoomsRejected          = "rooms_rejected_too_many_sessions"
	SessionsEndedByDoctor  = "sessions_ended_by_doctor"
	ICECredentialsIssued   = "ice_credentials_issued"
	ICEConfigUnavailable   = "ice_config_unavailable"
	SchedulingLookupErrors = "scheduling_lookup_errors"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc and Add are no-ops on a nil registry so components can run without one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
