package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/config"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, opts Options) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, req *http.Request, v any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Options{})

	t.Run("healthz", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		var body map[string]any
		if status := getJSON(t, req, &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/readyz", nil)
		if status := getJSON(t, req, nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/version", nil)
		var got BuildInfo
		if status := getJSON(t, req, &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected X-Request-ID on response")
		}
	})
}

func TestICEEndpointRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	m := metrics.New()
	baseURL := startTestServer(t, cfg, Options{Metrics: m, Verifier: auth.DevVerifier{}})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/ice", nil)
	if status := getJSON(t, req, nil); status != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", status, http.StatusUnauthorized)
	}

	req, _ = http.NewRequest(http.MethodGet, baseURL+"/v1/ice", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	if status := getJSON(t, req, nil); status != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", status, http.StatusUnauthorized)
	}
	if got := m.Get(metrics.SignalAuthFailures); got != 2 {
		t.Fatalf("auth failures=%d, want 2", got)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, Options{Verifier: auth.DevVerifier{}})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/ice?token=pat:patient", nil)
	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if status := getJSON(t, req, &payload); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpointIssuesTURNCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "consult",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	m := metrics.New()
	baseURL := startTestServer(t, cfg, Options{Metrics: m, Verifier: auth.DevVerifier{}, TURN: gen})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/ice", nil)
	req.Header.Set("Authorization", "Bearer pat:patient")
	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if status := getJSON(t, req, &payload); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if !strings.HasSuffix(turn.Username, ":consult:pat") || turn.Credential == "" {
		t.Fatalf("turn entry=%+v", turn)
	}
	if got := m.Get(metrics.ICECredentialsIssued); got != 1 {
		t.Fatalf("issued=%d, want 1", got)
	}
}

func TestICEEndpointRejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	baseURL := startTestServer(t, cfg, Options{Verifier: auth.DevVerifier{}})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/ice?token=pat:patient", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if status := getJSON(t, req, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestICEEndpointCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://clinic.example"}
	baseURL := startTestServer(t, cfg, Options{Verifier: auth.DevVerifier{}})

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/v1/ice", nil)
	req.Header.Set("Origin", "https://clinic.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://clinic.example" {
		t.Fatalf("allow origin=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "authorization" {
		t.Fatalf("allow headers=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("CONSULT_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Options{})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/readyz", nil)
	if status := getJSON(t, req, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SignalConnections)
	baseURL := startTestServer(t, testConfig(), Options{Metrics: m})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `consult_relay_events_total{event="signal_connections"} 1`) {
		t.Fatalf("metrics body=%s", body)
	}
}

func TestSignalRouteUpgradesThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(typ, msg)
	})
	baseURL := startTestServer(t, testConfig(), Options{Signal: echo})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/v1/signal", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "ping" {
		t.Fatalf("echo=%q err=%v", msg, err)
	}
}
