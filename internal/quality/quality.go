// Package quality samples peer connection statistics and classifies each
// remote participant's link. It only observes: nothing here changes media.
package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/config"
)

const DefaultInterval = 5 * time.Second

type Level string

const (
	Excellent Level = "excellent"
	Good      Level = "good"
	Poor      Level = "poor"
	VeryPoor  Level = "very-poor"
)

// StatsSource is satisfied by *peer.Link and *webrtc.PeerConnection.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// Bound is the worst loss fraction and round-trip time a level accepts.
type Bound struct {
	MaxLoss float64
	MaxRTT  time.Duration
}

// Thresholds are checked from best to worst. A sample outside Poor is
// VeryPoor.
type Thresholds struct {
	Excellent Bound
	Good      Bound
	Poor      Bound
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Excellent: Bound{MaxLoss: 0.02, MaxRTT: 150 * time.Millisecond},
		Good:      Bound{MaxLoss: 0.05, MaxRTT: 300 * time.Millisecond},
		Poor:      Bound{MaxLoss: 0.15, MaxRTT: 600 * time.Millisecond},
	}
}

// ThresholdsFrom maps the configured bounds, best first. It falls back to
// the defaults unless exactly three bounds are given.
func ThresholdsFrom(bounds []config.QualityBound) Thresholds {
	if len(bounds) != 3 {
		return DefaultThresholds()
	}
	b := func(q config.QualityBound) Bound { return Bound{MaxLoss: q.MaxLoss, MaxRTT: q.MaxRTT} }
	return Thresholds{Excellent: b(bounds[0]), Good: b(bounds[1]), Poor: b(bounds[2])}
}

func (t Thresholds) Classify(loss float64, rtt time.Duration) Level {
	within := func(b Bound) bool { return loss <= b.MaxLoss && rtt <= b.MaxRTT }
	switch {
	case within(t.Excellent):
		return Excellent
	case within(t.Good):
		return Good
	case within(t.Poor):
		return Poor
	default:
		return VeryPoor
	}
}

type Report struct {
	ParticipantID string
	Level         Level
	Loss          float64
	RTT           time.Duration
	At            time.Time
}

type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	Buffer     int
	Logger     *slog.Logger
	Now        func() time.Time
}

type Monitor struct {
	cfg     Config
	log     *slog.Logger
	reports chan Report

	mu      sync.Mutex
	sources map[string]*tracked
}

type tracked struct {
	src      StatsSource
	received map[string]uint32
	lost     map[string]int32
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:     cfg,
		log:     cfg.Logger,
		reports: make(chan Report, cfg.Buffer),
		sources: make(map[string]*tracked),
	}
}

// Reports is never closed. Reports are dropped when the reader falls behind.
func (m *Monitor) Reports() <-chan Report {
	return m.reports
}

func (m *Monitor) Add(participantID string, src StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[participantID] = &tracked{src: src, received: map[string]uint32{}, lost: map[string]int32{}}
}

func (m *Monitor) Remove(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, participantID)
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, r := range m.Sample() {
				select {
				case m.reports <- r:
				default:
					m.log.Debug("quality report dropped", "participant_id", r.ParticipantID)
				}
			}
		}
	}
}

// Sample takes one reading of every source. Sources without usable stats
// yet produce no report.
func (m *Monitor) Sample() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	var out []Report
	for id, t := range m.sources {
		loss, rtt, ok := t.measure(t.src.GetStats())
		if !ok {
			continue
		}
		out = append(out, Report{
			ParticipantID: id,
			Level:         m.cfg.Thresholds.Classify(loss, rtt),
			Loss:          loss,
			RTT:           rtt,
			At:            now,
		})
	}
	return out
}

// measure reads loss as the worse of what the remote reports about our
// outbound streams and what we observe on inbound streams since the last
// sample. RTT comes from remote-inbound reports, else the nominated
// candidate pair.
func (t *tracked) measure(report webrtc.StatsReport) (loss float64, rtt time.Duration, ok bool) {
	var pairRTT float64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			ok = true
			loss = max(loss, st.FractionLost)
			if st.RoundTripTime > 0 {
				rtt = max(rtt, seconds(st.RoundTripTime))
			}
		case webrtc.InboundRTPStreamStats:
			prevRecv, prevLost := t.received[st.ID], t.lost[st.ID]
			t.received[st.ID], t.lost[st.ID] = st.PacketsReceived, st.PacketsLost
			dRecv := int64(st.PacketsReceived) - int64(prevRecv)
			dLost := int64(st.PacketsLost) - int64(prevLost)
			if dLost < 0 {
				dLost = 0
			}
			if dRecv+dLost > 0 {
				ok = true
				loss = max(loss, float64(dLost)/float64(dRecv+dLost))
			}
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				pairRTT = st.CurrentRoundTripTime
			}
		}
	}
	if rtt == 0 && pairRTT > 0 {
		ok = true
		rtt = seconds(pairRTT)
	}
	return loss, rtt, ok
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
