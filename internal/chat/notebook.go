package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teleclinic/consult/internal/records"
	"github.com/teleclinic/consult/internal/spool"
)

const (
	DefaultAutosaveInterval = 30 * time.Second
	restoreTimeout          = 10 * time.Second
)

type NotebookConfig struct {
	SessionID string
	Store     records.Store
	// Spool journals unsaved edits. Optional.
	Spool    *spool.Spool
	Interval time.Duration
	Logger   *slog.Logger
}

// Notebook holds a session's notes and prescription and saves them to the
// record store in the background. Notes are saved as appended deltas; the
// prescription is saved whole.
type Notebook struct {
	cfg NotebookConfig
	log *slog.Logger

	// saveMu serializes saves so deltas reach the store in order.
	saveMu sync.Mutex

	mu      sync.Mutex
	notes   strings.Builder
	nextSeq uint64
	unsaved []spool.NoteDelta
	rx      string
	rxDirty bool
}

// NewNotebook starts from what the store already holds for the session, when
// the store can read it back, followed by any edits journaled by an earlier
// process that were never confirmed saved.
func NewNotebook(cfg NotebookConfig) (*Notebook, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAutosaveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Notebook{
		cfg:     cfg,
		log:     cfg.Logger.With("session_id", cfg.SessionID),
		nextSeq: 1,
	}
	if loader, ok := cfg.Store.(records.Loader); ok {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		saved, err := loader.Load(ctx, cfg.SessionID)
		cancel()
		if err != nil {
			n.log.Warn("saved notes not loaded; starting from the journal", "err", err)
		} else {
			n.notes.WriteString(saved.Notes)
			n.rx = saved.Prescription
		}
	}
	if cfg.Spool == nil {
		return n, nil
	}

	deltas, err := cfg.Spool.UnsavedNotes(cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("restore notes: %w", err)
	}
	for _, d := range deltas {
		n.notes.WriteString(d.Text)
		n.unsaved = append(n.unsaved, d)
		n.nextSeq = d.Seq + 1
	}
	rx, ok, err := cfg.Spool.UnsavedPrescription(cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("restore prescription: %w", err)
	}
	if ok {
		n.rx, n.rxDirty = rx, true
	}
	if len(deltas) > 0 || ok {
		n.log.Info("restored unsaved notes", "deltas", len(deltas), "prescription", ok)
	}
	return n, nil
}

func (n *Notebook) AppendNotes(text string) error {
	if text == "" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	d := spool.NoteDelta{Seq: n.nextSeq, Text: text}
	if n.cfg.Spool != nil {
		if err := n.cfg.Spool.JournalNote(n.cfg.SessionID, d); err != nil {
			n.log.Warn("notes journal write failed", "err", err)
		}
	}
	n.nextSeq++
	n.unsaved = append(n.unsaved, d)
	n.notes.WriteString(text)
	return nil
}

func (n *Notebook) SetPrescription(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.Spool != nil {
		if err := n.cfg.Spool.JournalPrescription(n.cfg.SessionID, text); err != nil {
			n.log.Warn("prescription journal write failed", "err", err)
		}
	}
	n.rx = text
	n.rxDirty = true
	return nil
}

func (n *Notebook) Notes() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notes.String()
}

func (n *Notebook) Prescription() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rx
}

// Dirty reports whether anything is waiting to be saved.
func (n *Notebook) Dirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.unsaved) > 0 || n.rxDirty
}

// Run autosaves every interval until ctx is done. A failed save is retried
// on the next tick.
func (n *Notebook) Run(ctx context.Context) {
	t := time.NewTicker(n.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.Save(ctx); err != nil && ctx.Err() == nil {
				n.log.Debug("autosave deferred", "err", err)
			}
		}
	}
}

// Flush saves everything outstanding. It is called when the session ends.
func (n *Notebook) Flush(ctx context.Context) error {
	return n.Save(ctx)
}

// Save persists the notes appended since the last successful save and the
// prescription if it changed.
func (n *Notebook) Save(ctx context.Context) error {
	n.saveMu.Lock()
	defer n.saveMu.Unlock()

	n.mu.Lock()
	deltas := append([]spool.NoteDelta(nil), n.unsaved...)
	rx, rxDirty := n.rx, n.rxDirty
	n.mu.Unlock()

	var errs []error
	saved := 0
	for _, d := range deltas {
		if err := n.cfg.Store.AppendNotes(ctx, n.cfg.SessionID, d.Text); err != nil {
			errs = append(errs, fmt.Errorf("save notes: %w", err))
			break
		}
		saved++
	}
	if saved > 0 {
		upTo := deltas[saved-1].Seq
		n.mu.Lock()
		n.unsaved = n.unsaved[saved:]
		n.mu.Unlock()
		if n.cfg.Spool != nil {
			if err := n.cfg.Spool.AckNotes(n.cfg.SessionID, upTo); err != nil {
				n.log.Warn("notes journal ack failed", "err", err)
			}
		}
	}

	if rxDirty {
		if err := n.cfg.Store.SavePrescription(ctx, n.cfg.SessionID, rx); err != nil {
			errs = append(errs, fmt.Errorf("save prescription: %w", err))
		} else {
			n.mu.Lock()
			if n.rx == rx {
				n.rxDirty = false
			}
			n.mu.Unlock()
			if n.cfg.Spool != nil {
				if err := n.cfg.Spool.AckPrescription(n.cfg.SessionID, rx); err != nil {
					n.log.Warn("prescription journal ack failed", "err", err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
