package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func writeIVF(t *testing.T, path string, frames [][]byte) {
	t.Helper()
	var buf bytes.Buffer
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], 64)
	binary.LittleEndian.PutUint16(header[14:16], 48)
	binary.LittleEndian.PutUint32(header[16:20], 1000)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(frames)))
	buf.Write(header)
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		buf.Write(fh)
		buf.Write(f)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
}

func writeOgg(t *testing.T, path string, payloads [][]byte) {
	t.Helper()
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatalf("oggwriter.New: %v", err)
	}
	for i, p := range payloads {
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)}, Payload: p}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatalf("WriteRTP: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close ogg: %v", err)
	}
}

func readAll(t *testing.T, src Source) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		s, err := src.ReadSample()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadSample: %v", err)
		}
		if s.Duration <= 0 {
			t.Fatalf("sample without duration")
		}
		out = append(out, s.Data)
	}
}

func TestFileProviderPlaysIVF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camera.ivf")
	frames := [][]byte{[]byte("frame-0"), []byte("frame-1"), []byte("frame-2")}
	writeIVF(t, path, frames)

	p := NewFileProvider(FileDevice{Device: Device{ID: "cam", Kind: KindCamera}, Path: path})
	devices, _ := p.Devices(context.Background())
	if len(devices) != 1 || devices[0].ID != "cam" {
		t.Fatalf("devices=%+v", devices)
	}
	src, err := p.Open(context.Background(), devices[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if src.Codec().MimeType != webrtc.MimeTypeVP8 {
		t.Fatalf("codec=%q", src.Codec().MimeType)
	}
	got := readAll(t, src)
	if len(got) != len(frames) {
		t.Fatalf("frames=%d, want %d", len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Fatalf("frame %d=%q, want %q", i, got[i], frames[i])
		}
	}
}

func TestFileProviderPlaysOgg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	payloads := [][]byte{{0xf8, 1}, {0xf8, 2}, {0xf8, 3}}
	writeOgg(t, path, payloads)

	p := NewFileProvider(FileDevice{Device: Device{ID: "mic", Kind: KindMicrophone}, Path: path})
	src, err := p.Open(context.Background(), Device{ID: "mic", Kind: KindMicrophone})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if c := src.Codec(); c.MimeType != webrtc.MimeTypeOpus || c.ClockRate != 48000 {
		t.Fatalf("codec=%+v", c)
	}
	got := readAll(t, src)
	if len(got) != len(payloads) {
		t.Fatalf("pages=%d, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Fatalf("page %d=%x, want %x", i, got[i], payloads[i])
		}
	}
}

func TestFileProviderLoops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.ivf")
	writeIVF(t, path, [][]byte{[]byte("only")})
	p := NewFileProvider(FileDevice{Device: Device{ID: "cam", Kind: KindCamera}, Path: path, Loop: true})
	src, err := p.Open(context.Background(), Device{ID: "cam", Kind: KindCamera})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		s, err := src.ReadSample()
		if err != nil || string(s.Data) != "only" {
			t.Fatalf("read %d: %q %v", i, s.Data, err)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.ReadSample(); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestFileProviderMissingDevice(t *testing.T) {
	p := NewFileProvider(FileDevice{Device: Device{ID: "cam", Kind: KindCamera}, Path: filepath.Join(t.TempDir(), "missing.ivf")})
	if _, err := p.Open(context.Background(), Device{ID: "cam", Kind: KindCamera}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want %v", err, ErrDeviceUnavailable)
	}
	if _, err := p.Open(context.Background(), Device{ID: "other", Kind: KindCamera}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want %v", err, ErrDeviceUnavailable)
	}
}
