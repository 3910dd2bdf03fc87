package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/teleclinic/consult/internal/auth"
	"github.com/teleclinic/consult/internal/chat"
	"github.com/teleclinic/consult/internal/config"
	"github.com/teleclinic/consult/internal/media"
	"github.com/teleclinic/consult/internal/peer"
	"github.com/teleclinic/consult/internal/quality"
	"github.com/teleclinic/consult/internal/recording"
	"github.com/teleclinic/consult/internal/records"
	"github.com/teleclinic/consult/internal/session"
	"github.com/teleclinic/consult/internal/signaling"
	"github.com/teleclinic/consult/internal/spool"
	"github.com/teleclinic/consult/internal/storage"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("consultation failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	if cfg.SessionID == "" {
		return errors.New("CONSULT_SESSION_ID is required")
	}
	id, err := auth.PeekIdentity(cfg.Token)
	if err != nil {
		return fmt.Errorf("CONSULT_TOKEN: %w", err)
	}
	logger = logger.With("session_id", cfg.SessionID, "participant_id", id.ParticipantID)
	logger.Info("starting consult-agent",
		"relay_url", cfg.RelayURL,
		"role", id.Role,
		"mode", cfg.Mode,
		"storage_backend", cfg.StorageBackend,
		"records_dsn_set", cfg.RecordsDSN != "",
	)

	sp, err := spool.Open(cfg.SpoolDir, logger)
	if err != nil {
		return err
	}
	defer sp.Close()

	uploader, err := storage.New(cfg, sp, logger)
	if err != nil {
		return err
	}

	var store records.Store = records.NewMemoryStore()
	if cfg.RecordsDSN != "" {
		pg, err := records.OpenPostgres(ctx, cfg.RecordsDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}

	api, err := peer.NewAPI(cfg, slogFactory{log: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	notebook, err := chat.NewNotebook(chat.NotebookConfig{
		SessionID: cfg.SessionID,
		Store:     store,
		Spool:     sp,
		Interval:  cfg.AutosaveInterval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	recorder := recording.NewRecorder(recording.Config{
		SessionID:            cfg.SessionID,
		Dir:                  cfg.RecordingDir,
		SpillThresholdBytes:  cfg.SpillThresholdBytes,
		Uploader:             uploader,
		Spool:                sp,
		UploadAttempts:       cfg.UploadAttempts,
		UploadInitialBackoff: cfg.UploadInitialBackoff,
		Logger:               logger,
	})

	retryCtx, stopRetry := context.WithCancel(context.Background())
	defer stopRetry()
	retrier := recording.NewRetrier(sp, uploader, store, logger)
	go retrier.Run(retryCtx, cfg.PendingRetryInterval)

	capture := media.NewController(newProvider(cfg), media.Config{StreamID: id.ParticipantID, Logger: logger})

	c, err := session.New(session.Config{
		SessionID:     cfg.SessionID,
		ParticipantID: id.ParticipantID,
		Role:          string(id.Role),
		Dial: func(ctx context.Context) (session.Signal, error) {
			ch, err := signaling.Connect(ctx, signaling.Config{
				URL:               cfg.RelayURL,
				SessionID:         cfg.SessionID,
				ParticipantID:     id.ParticipantID,
				Role:              string(id.Role),
				Token:             cfg.Token,
				OutboxSize:        cfg.OutboxSize,
				ReconnectInitial:  cfg.ReconnectInitial,
				ReconnectMax:      cfg.ReconnectMax,
				ReconnectAttempts: cfg.ReconnectAttempts,
				JoinTimeout:       cfg.JoinTimeout,
				IdleTimeout:       cfg.SignalingWSIdleTimeout,
				SendRate:          cfg.SignalingSendRate,
				Logger:            logger,
			})
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		Media:              capture,
		InitialMedia:       initialMedia(cfg),
		API:                api,
		ICEServers:         cfg.PeerConnectionICEServers(),
		NegotiationTimeout: cfg.NegotiationTimeout,
		GracePeriod:        cfg.GracePeriod,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		ReconnectRearm:     cfg.ReconnectRearm,
		Recorder:           recorder,
		Notebook:           notebook,
		Quality: quality.NewMonitor(quality.Config{
			Interval:   cfg.QualityInterval,
			Thresholds: quality.ThresholdsFrom(cfg.QualityThresholds),
			Logger:     logger,
		}),
		Store:  store,
		Spool:  sp,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		for ev := range c.Events() {
			if line := render(ev); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	if err := c.Start(ctx); err != nil {
		printed.Wait()
		return err
	}
	fmt.Fprintln(out, "joined; /help lists commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				_ = c.End("input closed")
				lines = nil
				continue
			}
			reply, err := dispatch(ctx, c, line)
			switch {
			case err != nil:
				fmt.Fprintf(out, "! %v\n", err)
			case reply != "":
				fmt.Fprintln(out, reply)
			}
		case <-ctx.Done():
			_ = c.End("interrupted")
			ctx = context.Background()
		case <-c.Done():
			printed.Wait()
			return nil
		}
	}
}

// newProvider exposes the configured media files as capture devices.
func newProvider(cfg config.Config) *media.FileProvider {
	var devices []media.FileDevice
	if cfg.MicrophoneFile != "" {
		devices = append(devices, media.FileDevice{
			Device: media.Device{ID: "microphone", Label: cfg.MicrophoneFile, Kind: media.KindMicrophone},
			Path:   cfg.MicrophoneFile,
			Loop:   true,
		})
	}
	if cfg.CameraFile != "" {
		devices = append(devices, media.FileDevice{
			Device: media.Device{ID: "camera", Label: cfg.CameraFile, Kind: media.KindCamera},
			Path:   cfg.CameraFile,
			Loop:   true,
		})
	}
	if cfg.ScreenFile != "" {
		devices = append(devices, media.FileDevice{
			Device: media.Device{ID: "screen", Label: cfg.ScreenFile, Kind: media.KindDisplay},
			Path:   cfg.ScreenFile,
		})
	}
	return media.NewFileProvider(devices...)
}

func initialMedia(cfg config.Config) media.MediaRequest {
	req := media.MediaRequest{Audio: cfg.MicrophoneFile != "", Video: media.NoVideo{}}
	if cfg.CameraFile != "" {
		req.Video = media.DeviceSelector{}
	}
	return req
}
