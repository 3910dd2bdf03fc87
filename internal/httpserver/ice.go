package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/turnrest"
)

// handleICE serves GET /v1/ice: the ICE servers a participant should use,
// with per-participant TURN REST credentials when a shared secret is
// configured.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		if t, err := auth.CredentialFromQuery(r.URL.Query()); err == nil {
			token = t
		}
	}
	if token == "" {
		s.opts.Metrics.Inc(metrics.SignalAuthFailures)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": auth.ErrMissingCredentials.Error()})
		return
	}
	id, err := s.opts.Verifier.Verify(token)
	if err != nil {
		s.opts.Metrics.Inc(metrics.SignalAuthFailures)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": auth.ErrInvalidCredentials.Error()})
		return
	}

	if err := s.cfg.ICEConfigError(); err != nil {
		s.opts.Metrics.Inc(metrics.ICEConfigUnavailable)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.opts.TURN != nil {
		creds, err := s.opts.TURN.Generate(id.ParticipantID)
		if err != nil {
			s.log.Warn("turn credential generation failed", "participant_id", id.ParticipantID, "err", err)
			s.opts.Metrics.Inc(metrics.ICEConfigUnavailable)
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "ice credentials unavailable"})
			return
		}
		servers = turnrest.Apply(servers, creds)
		s.opts.Metrics.Inc(metrics.ICECredentialsIssued)
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
