package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:          config.ModeDev,
		AuthMode:      config.AuthModeNone,
		SchedulingURL: "http://scheduling.internal",
	})

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_ProdDefaults(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeProd,
		AuthMode:       config.AuthModeJWT,
		AllowedOrigins: []string{"*"},
		TURNREST:       config.TurnRESTConfig{SharedSecret: "s"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})

	codes := warningCodes(records())
	for _, want := range []string{"allowed_origins_wildcard", "max_sessions_unlimited_in_prod", "scheduling_unset", "turn_rest_without_turn_urls"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("missing warning_code=%s, got %#v", want, records())
		}
	}
	if _, ok := codes["auth_mode_none"]; ok {
		t.Fatalf("unexpected auth_mode_none warning with jwt auth")
	}
}

func TestStartupSecurityWarnings_QuietWhenConfigured(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:                     config.ModeProd,
		AuthMode:                 config.AuthModeJWT,
		AllowedOrigins:           []string{"https://clinic.example.com"},
		MaxSessions:              100,
		SchedulingURL:            "https://scheduling.internal",
		MaxSignalingMessageBytes: 64 << 10,
		TURNREST:                 config.TurnRESTConfig{SharedSecret: "s"},
		ICEServers:               []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
	})

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestNewSchedulingPrefersURL(t *testing.T) {
	svc, err := newScheduling(config.Config{SchedulingURL: "https://scheduling.internal", SchedulingFile: "missing.json"})
	if err != nil {
		t.Fatalf("newScheduling: %v", err)
	}
	if svc == nil {
		t.Fatalf("nil service")
	}
	if _, err := newScheduling(config.Config{SchedulingFile: "does-not-exist.json"}); err == nil {
		t.Fatalf("expected error for missing directory file")
	}
}
