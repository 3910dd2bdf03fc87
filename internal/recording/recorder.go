// Package recording records the local stream of a session to container
// files and uploads them to file storage.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/teleclinic/consult/internal/media"
	"github.com/teleclinic/consult/internal/spool"
	"github.com/teleclinic/consult/internal/storage"
)

const (
	DefaultSpillThresholdBytes  = 4 << 20
	DefaultUploadAttempts       = 3
	DefaultUploadInitialBackoff = 2 * time.Second
	defaultEventBuffer          = 64
)

// Source is the local media a recording taps. *media.Controller satisfies it.
type Source interface {
	Active() bool
	Subscribe() (<-chan media.Sample, func())
}

type Config struct {
	SessionID string
	// Dir is the local root; artifacts go to Dir/<session>/<artifact>.
	Dir                  string
	SpillThresholdBytes  int
	Uploader             storage.Uploader
	Spool                *spool.Spool
	UploadAttempts       int
	UploadInitialBackoff time.Duration
	EventBuffer          int
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Event is delivered on Recorder.Events.
type Event interface {
	isEvent()
}

type StartedEvent struct {
	ArtifactID string
}

type FinalizedEvent struct {
	Artifact Artifact
}

type UploadedEvent struct {
	Artifact Artifact
	Ref      string
}

// PendingEvent reports an artifact kept locally after its upload failed.
// Err wraps ErrUploadFailure.
type PendingEvent struct {
	Artifact Artifact
	Err      error
}

func (StartedEvent) isEvent()   {}
func (FinalizedEvent) isEvent() {}
func (UploadedEvent) isEvent()  {}
func (PendingEvent) isEvent()   {}

type Recorder struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	mu       sync.Mutex
	active   *recording
	last     *Artifact
	shutdown bool

	uploadCtx     context.Context
	cancelUploads context.CancelFunc
	uploads       sync.WaitGroup
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.SpillThresholdBytes <= 0 {
		cfg.SpillThresholdBytes = DefaultSpillThresholdBytes
	}
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = DefaultUploadAttempts
	}
	if cfg.UploadInitialBackoff <= 0 {
		cfg.UploadInitialBackoff = DefaultUploadInitialBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		cfg:           cfg,
		log:           cfg.Logger.With("session_id", cfg.SessionID),
		events:        make(chan Event, cfg.EventBuffer),
		uploadCtx:     ctx,
		cancelUploads: cancel,
	}
}

func (r *Recorder) Events() <-chan Event {
	return r.events
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start begins a new artifact. It is a no-op while already recording.
func (r *Recorder) Start(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return ErrShutdown
	}
	if r.active != nil {
		return nil
	}
	if src == nil || !src.Active() {
		return ErrNoActiveMedia
	}
	id := uuid.NewString()
	dir := filepath.Join(r.cfg.Dir, r.cfg.SessionID, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	samples, cancel := src.Subscribe()
	rec := &recording{
		art:       Artifact{ID: id, SessionID: r.cfg.SessionID, StartedAt: r.cfg.Now().UTC(), Dir: dir},
		threshold: r.cfg.SpillThresholdBytes,
		log:       r.log.With("artifact_id", id),
		cancel:    cancel,
		done:      make(chan struct{}),
		tracks:    make(map[media.Class]*trackWriter),
	}
	r.active = rec
	go rec.run(samples)
	r.log.Info("recording started", "artifact_id", id)
	r.emit(StartedEvent{ArtifactID: id})
	return nil
}

// Stop finalizes the active artifact and starts its upload. Stopping again
// without a new Start returns the same artifact and does nothing else.
func (r *Recorder) Stop() (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Recorder) stopLocked() (Artifact, error) {
	rec := r.active
	if rec == nil {
		if r.last != nil {
			return *r.last, nil
		}
		return Artifact{}, ErrNotRecording
	}
	r.active = nil

	art, err := rec.finalize(r.cfg.Now().UTC())
	r.last = &art
	if err != nil {
		r.log.Error("recording finalize failed", "artifact_id", art.ID, "err", err)
	}
	r.log.Info("recording finalized", "artifact_id", art.ID, "tracks", len(art.Tracks))
	r.emit(FinalizedEvent{Artifact: art})

	r.uploads.Add(1)
	go r.upload(art)
	return art, err
}

// Shutdown stops an active recording and gives in-flight uploads until ctx
// is done. Uploads still running then are cancelled and kept as pending.
func (r *Recorder) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if !r.shutdown {
		r.shutdown = true
		if r.active != nil {
			_, _ = r.stopLocked()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancelUploads()
		<-done
	}
	r.cancelUploads()
}

func (r *Recorder) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("recording event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (r *Recorder) upload(art Artifact) {
	defer r.uploads.Done()
	log := r.log.With("artifact_id", art.ID)

	var (
		ref      string
		attempts int
	)
	if r.cfg.Uploader == nil {
		r.pending(art, 0, errors.New("no uploader configured"))
		return
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.UploadInitialBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.UploadAttempts-1)), r.uploadCtx)
	err := backoff.RetryNotify(func() error {
		attempts++
		var err error
		ref, err = uploadFiles(r.uploadCtx, r.cfg.Uploader, art.SessionID, art.ID, art.Files(), art.Manifest())
		return err
	}, b, func(err error, next time.Duration) {
		log.Warn("recording upload failed, retrying", "attempt", attempts, "retry_in", next, "err", err)
	})
	if err != nil {
		r.pending(art, attempts, err)
		return
	}
	log.Info("recording uploaded", "ref", ref, "attempts", attempts)
	r.emit(UploadedEvent{Artifact: art, Ref: ref})
}

func (r *Recorder) pending(art Artifact, attempts int, cause error) {
	err := fmt.Errorf("%w: %w", ErrUploadFailure, cause)
	r.log.Warn("recording kept for later upload", "artifact_id", art.ID, "attempts", attempts, "err", cause)
	if r.cfg.Spool != nil {
		p := spool.PendingUpload{
			ArtifactID: art.ID,
			SessionID:  art.SessionID,
			Files:      art.Files(),
			Manifest:   art.Manifest(),
			CreatedAt:  r.cfg.Now().UTC(),
			Attempts:   attempts,
			LastError:  cause.Error(),
		}
		if perr := r.cfg.Spool.PutPending(p); perr != nil {
			r.log.Error("failed to spool pending upload", "artifact_id", art.ID, "err", perr)
		}
	}
	r.emit(PendingEvent{Artifact: art, Err: err})
}

// uploadFiles stores the track files and then the manifest under
// <session>/<artifact>/. The manifest's reference identifies the artifact.
func uploadFiles(ctx context.Context, up storage.Uploader, sessionID, artifactID string, files []string, manifest string) (string, error) {
	prefix := sessionID + "/" + artifactID + "/"
	for _, path := range files {
		if _, err := up.Upload(ctx, storage.Blob{Key: prefix + filepath.Base(path), Path: path}); err != nil {
			return "", err
		}
	}
	return up.Upload(ctx, storage.Blob{Key: prefix + filepath.Base(manifest), Path: manifest})
}

// recording is one artifact being written. run is the only writer until
// finalize has joined it.
type recording struct {
	art       Artifact
	threshold int
	log       *slog.Logger
	cancel    func()
	done      chan struct{}
	tracks    map[media.Class]*trackWriter
	order     []media.Class
	failed    map[media.Class]bool
}

func (rec *recording) run(samples <-chan media.Sample) {
	defer close(rec.done)
	for s := range samples {
		t, ok := rec.tracks[s.Class]
		if !ok {
			if rec.failed[s.Class] {
				continue
			}
			var err error
			t, err = newTrackWriter(rec.art.Dir, s.Class, s.Codec, rec.threshold)
			if err != nil {
				rec.log.Warn("cannot record track", "class", s.Class, "err", err)
				if rec.failed == nil {
					rec.failed = map[media.Class]bool{}
				}
				rec.failed[s.Class] = true
				continue
			}
			rec.tracks[s.Class] = t
			rec.order = append(rec.order, s.Class)
		}
		if err := t.write(s); err != nil {
			rec.log.Warn("recording write failed", "class", s.Class, "err", err)
		}
	}
}

func (rec *recording) finalize(endedAt time.Time) (Artifact, error) {
	rec.cancel()
	<-rec.done

	art := rec.art
	art.EndedAt = endedAt
	var errs []error
	for _, class := range rec.order {
		t := rec.tracks[class]
		if err := t.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s track: %w", class, err))
			continue
		}
		path := filepath.Join(art.Dir, t.file)
		art.Tracks = append(art.Tracks, Track{
			Class:       class,
			Codec:       t.codec,
			File:        t.file,
			ContentType: storage.ContentType(path),
			Bytes:       t.buf.n,
			Samples:     t.samples,
		})
	}
	if err := writeManifest(art); err != nil {
		errs = append(errs, err)
	}
	return art, errors.Join(errs...)
}
