// Package storage uploads finalized recording files to the file storage
// service. Uploads are resumable: a retry continues after the bytes that
// already reached the destination.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/teleclinic/consult/internal/config"
	"github.com/teleclinic/consult/internal/spool"
)

var ErrInvalidKey = errors.New("storage: invalid object key")

// Blob is a local file to be stored under Key.
type Blob struct {
	Key  string
	Path string
}

type Uploader interface {
	// Upload stores b and returns a reference to the stored object.
	Upload(ctx context.Context, b Blob) (ref string, err error)
}

// New builds the uploader selected by cfg.StorageBackend.
func New(cfg config.Config, sp *spool.Spool, logger *slog.Logger) (Uploader, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		return NewS3Uploader(NewS3Client(cfg.S3), cfg.S3.Bucket, cfg.S3.PartSize, sp, logger), nil
	case config.StorageBackendDir, "":
		return NewDirUploader(cfg.StorageDir)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
}

// ContentType sniffs the file at path. IVF has no registered signature, so it
// is recognised by extension.
func ContentType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".ivf") {
		return "video/x-ivf"
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}
