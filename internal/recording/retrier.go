package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleclinic/consult/internal/records"
	"github.com/teleclinic/consult/internal/spool"
	"github.com/teleclinic/consult/internal/storage"
)

// Retrier re-attempts uploads that were spooled as pending, including those
// left behind by earlier runs of the process.
type Retrier struct {
	spool    *spool.Spool
	uploader storage.Uploader
	store    records.Store
	log      *slog.Logger
}

func NewRetrier(sp *spool.Spool, up storage.Uploader, store records.Store, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{spool: sp, uploader: up, store: store, log: logger}
}

// RetryPending makes one pass over the spool. An artifact leaves the spool
// only after it is uploaded and bound to its session record.
func (r *Retrier) RetryPending(ctx context.Context) (uploaded int, err error) {
	pending, err := r.spool.ListPending()
	if err != nil {
		return 0, fmt.Errorf("list pending uploads: %w", err)
	}
	var errs []error
	for _, p := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log := r.log.With("session_id", p.SessionID, "artifact_id", p.ArtifactID)
		ref, err := uploadFiles(ctx, r.uploader, p.SessionID, p.ArtifactID, p.Files, p.Manifest)
		if err == nil && r.store != nil {
			err = r.store.FinalizeRecording(ctx, p.SessionID, ref)
		}
		if err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if perr := r.spool.PutPending(p); perr != nil {
				log.Error("failed to update pending upload", "err", perr)
			}
			log.Warn("pending upload retry failed", "attempts", p.Attempts, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.ArtifactID, err))
			continue
		}
		if err := r.spool.DeletePending(p.ArtifactID); err != nil {
			log.Error("failed to clear pending upload", "err", err)
		}
		log.Info("pending upload completed", "ref", ref)
		uploaded++
	}
	return uploaded, errors.Join(errs...)
}

// Run retries immediately and then every interval until ctx is done.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := r.RetryPending(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("pending upload pass incomplete", "uploaded", n, "err", err)
		} else if n > 0 {
			r.log.Info("pending uploads completed", "uploaded", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
