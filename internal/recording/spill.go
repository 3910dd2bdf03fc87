package recording

import (
	"bytes"
	"fmt"
	"os"
)

// spillBuffer collects a track's bytes in memory and moves them to a file
// once they exceed the threshold. Writes are append-only.
type spillBuffer struct {
	path      string
	threshold int
	mem       bytes.Buffer
	f         *os.File
	n         int64
}

func newSpillBuffer(path string, threshold int) *spillBuffer {
	return &spillBuffer{path: path, threshold: threshold}
}

func (b *spillBuffer) Write(p []byte) (int, error) {
	if b.f == nil && b.mem.Len()+len(p) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	var (
		n   int
		err error
	)
	if b.f != nil {
		n, err = b.f.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.n += int64(n)
	return n, err
}

func (b *spillBuffer) spilled() bool {
	return b.f != nil
}

func (b *spillBuffer) spill() error {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("spill %s: %w", b.path, err)
	}
	if _, err := b.mem.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("spill %s: %w", b.path, err)
	}
	b.f = f
	return nil
}

// finish writes whatever is still in memory and closes the file.
func (b *spillBuffer) finish() error {
	if b.f == nil {
		if err := b.spill(); err != nil {
			return err
		}
	}
	if err := b.f.Sync(); err != nil {
		_ = b.f.Close()
		return err
	}
	return b.f.Close()
}
