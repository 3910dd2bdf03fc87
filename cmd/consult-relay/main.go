package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/config"
	"github.com/teleclinic/consult/internal/httpserver"
	"github.com/teleclinic/consult/internal/metrics"
	"github.com/teleclinic/consult/internal/relay"
	"github.com/teleclinic/consult/internal/scheduling"
	"github.com/teleclinic/consult/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting consult-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"join_timeout", cfg.JoinTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"scheduling_url_set", cfg.SchedulingURL != "",
		"scheduling_file", cfg.SchedulingFile,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}
	sched, err := newScheduling(cfg)
	if err != nil {
		logger.Error("failed to configure scheduling", "err", err)
		os.Exit(2)
	}
	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            secondsDuration(cfg.TURNREST.TTLSeconds),
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	relayCfg := relay.ConfigFrom(cfg)
	hub := relay.NewHub(relayCfg, sched, m, logger)
	sig := relay.NewServer(relayCfg, hub, verifier, relay.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m,
		Logger:         logger,
	})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Metrics:  m,
		Verifier: verifier,
		TURN:     turn,
		Signal:   sig,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked signaling sockets are not tracked by Shutdown, so the hub
	// closes them itself.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newScheduling picks the appointment source: the scheduling service when a
// URL is set, else a JSON directory file, else an empty directory that
// rejects every join.
func newScheduling(cfg config.Config) (scheduling.Service, error) {
	switch {
	case cfg.SchedulingURL != "":
		return scheduling.NewHTTPClient(cfg.SchedulingURL, nil)
	case cfg.SchedulingFile != "":
		return scheduling.LoadDirectory(cfg.SchedulingFile)
	default:
		return scheduling.NewDirectory(), nil
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

func secondsDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
