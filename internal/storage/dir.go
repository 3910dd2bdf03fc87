package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DirUploader stores objects as files under a root directory. A partially
// copied object is kept as <key>.partial and resumed from its current size.
type DirUploader struct {
	root string
}

func NewDirUploader(root string) (*DirUploader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", abs, err)
	}
	return &DirUploader{root: abs}, nil
}

func (u *DirUploader) Upload(ctx context.Context, b Blob) (string, error) {
	key, err := cleanKey(b.Key)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(u.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}

	src, err := os.Open(b.Path)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", b.Path, err)
	}
	defer src.Close()

	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	st, err := out.Stat()
	if err != nil {
		out.Close()
		return "", fmt.Errorf("storage: %w", err)
	}
	if _, err := src.Seek(st.Size(), io.SeekStart); err != nil {
		out.Close()
		return "", fmt.Errorf("storage: resume %s at %d: %w", key, st.Size(), err)
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: src})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("storage: copy %s: %w", key, err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	return "file://" + filepath.ToSlash(dest), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
