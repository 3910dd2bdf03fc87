package main

import (
	"log/slog"
	"slices"

	"github.com/teleclinic/consult/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: CONSULT_AUTH_MODE=none trusts unsigned participant tokens",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: CONSULT_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: CONSULT_MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.SchedulingURL == "" && cfg.SchedulingFile == "" {
		logger.Warn("startup warning: no scheduling source configured; every join will be rejected",
			"warning_code", "scheduling_unset",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: CONSULT_MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN REST secret is set but no turn: URL is configured; issued credentials are unused",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if config.HasTURNURL(s) {
			return true
		}
	}
	return false
}
