// Package spool is the agent's durable local state: uploads that could not be
// delivered, multipart upload progress, and clinical notes not yet saved to
// the record store. It survives process restarts so none of it is lost.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("spool: not found")

const (
	prefixPending   = "pending:"
	prefixMultipart = "mpu:"
	prefixNotes     = "notes:"
	prefixRx        = "rx:"
)

type Spool struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) a spool in dir. An empty dir keeps everything in
// memory, which tests use.
func Open(dir string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spool %q: %w", dir, err)
	}
	return &Spool{db: db, log: logger}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
}

func (s *Spool) get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *Spool) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan calls fn for every key under prefix in key order.
func (s *Spool) scan(prefix string, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingUpload is a finalized recording whose upload has not succeeded yet.
// Its files stay on local disk until a retry uploads them.
type PendingUpload struct {
	ArtifactID string    `json:"artifactId"`
	SessionID  string    `json:"sessionId"`
	Files      []string  `json:"files"`
	Manifest   string    `json:"manifest"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}

func (s *Spool) PutPending(p PendingUpload) error {
	if p.ArtifactID == "" {
		return errors.New("spool: pending upload without artifact id")
	}
	return s.put(prefixPending+p.ArtifactID, p)
}

func (s *Spool) ListPending() ([]PendingUpload, error) {
	var out []PendingUpload
	err := s.scan(prefixPending, func(_, val []byte) error {
		var p PendingUpload
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *Spool) DeletePending(artifactID string) error {
	return s.delete(prefixPending + artifactID)
}

// MultipartPart is one uploaded part of an in-progress multipart upload.
type MultipartPart struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// MultipartProgress lets a multipart upload resume after the last completed
// part instead of starting over.
type MultipartProgress struct {
	Bucket   string          `json:"bucket"`
	Key      string          `json:"key"`
	UploadID string          `json:"uploadId"`
	Parts    []MultipartPart `json:"parts"`
}

func (p MultipartProgress) Uploaded() int64 {
	var n int64
	for _, part := range p.Parts {
		n += part.Size
	}
	return n
}

func (s *Spool) PutMultipart(p MultipartProgress) error {
	return s.put(prefixMultipart+p.Bucket+"/"+p.Key, p)
}

func (s *Spool) GetMultipart(bucket, key string) (MultipartProgress, error) {
	var p MultipartProgress
	err := s.get(prefixMultipart+bucket+"/"+key, &p)
	return p, err
}

func (s *Spool) DeleteMultipart(bucket, key string) error {
	return s.delete(prefixMultipart + bucket + "/" + key)
}
