package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var errSourceClosed = errors.New("media: source closed")

const (
	defaultFrameDuration = 33 * time.Millisecond
	defaultOpusDuration  = 20 * time.Millisecond
	opusClockRate        = 48000
)

// FileDevice plays a media file as a capture device: IVF (VP8) for cameras
// and displays, Ogg (Opus) for microphones.
type FileDevice struct {
	Device
	Path string
	// Loop restarts the file at end of stream instead of ending the source.
	Loop bool
}

// FileProvider serves FileDevices. Samples are paced in real time.
type FileProvider struct {
	devices []FileDevice
}

func NewFileProvider(devices ...FileDevice) *FileProvider {
	return &FileProvider{devices: devices}
}

func (p *FileProvider) Devices(context.Context) ([]Device, error) {
	out := make([]Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d.Device)
	}
	return out, nil
}

func (p *FileProvider) Open(_ context.Context, d Device) (Source, error) {
	for _, fd := range p.devices {
		if fd.ID != d.ID || fd.Kind != d.Kind {
			continue
		}
		f, err := os.Open(fd.Path)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %s: %w", ErrDeviceAccessDenied, d.ID, err)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, d.ID, err)
		}
		var src Source
		switch strings.ToLower(filepath.Ext(fd.Path)) {
		case ".ivf":
			src, err = newIVFSource(f, fd.Loop)
		case ".ogg", ".opus":
			src, err = newOggSource(f, fd.Loop)
		default:
			err = fmt.Errorf("unsupported file type %q", filepath.Ext(fd.Path))
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, d.ID, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, d.ID)
}

// pacer releases samples at their presentation time.
type pacer struct {
	next      time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

func newPacer() pacer {
	return pacer{closed: make(chan struct{})}
}

func (p *pacer) wait(d time.Duration) error {
	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	if delay := p.next.Sub(now); delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-p.closed:
			t.Stop()
			return errSourceClosed
		}
	} else {
		select {
		case <-p.closed:
			return errSourceClosed
		default:
		}
	}
	p.next = p.next.Add(d)
	return nil
}

func (p *pacer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pacer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

type ivfSource struct {
	pacer
	f        *os.File
	r        *ivfreader.IVFReader
	frameDur time.Duration
	loop     bool
}

func newIVFSource(f *os.File, loop bool) (*ivfSource, error) {
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	if h.FourCC != "VP80" {
		return nil, fmt.Errorf("unsupported ivf codec %q", h.FourCC)
	}
	dur := defaultFrameDuration
	if h.TimebaseDenominator > 0 && h.TimebaseNumerator > 0 {
		dur = time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
	}
	return &ivfSource{pacer: newPacer(), f: f, r: r, frameDur: dur, loop: loop}, nil
}

func (s *ivfSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func (s *ivfSource) ReadSample() (pionmedia.Sample, error) {
	frame, _, err := s.r.ParseNextFrame()
	if isEOF(err) && s.loop && !s.isClosed() {
		if _, err = s.f.Seek(0, io.SeekStart); err == nil {
			if s.r, _, err = ivfreader.NewWith(s.f); err == nil {
				frame, _, err = s.r.ParseNextFrame()
			}
		}
	}
	if err != nil {
		if s.isClosed() {
			return pionmedia.Sample{}, errSourceClosed
		}
		if isEOF(err) {
			return pionmedia.Sample{}, io.EOF
		}
		return pionmedia.Sample{}, err
	}
	if err := s.wait(s.frameDur); err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: s.frameDur}, nil
}

func (s *ivfSource) Close() error {
	s.close()
	return s.f.Close()
}

type oggSource struct {
	pacer
	f        *os.File
	r        *oggreader.OggReader
	channels uint16
	granule  uint64
	loop     bool
}

func newOggSource(f *os.File, loop bool) (*oggSource, error) {
	r, h, err := oggreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	channels := uint16(h.Channels)
	if channels == 0 {
		channels = 2
	}
	return &oggSource{pacer: newPacer(), f: f, r: r, channels: channels, loop: loop}, nil
}

func (s *oggSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: s.channels}
}

func (s *oggSource) ReadSample() (pionmedia.Sample, error) {
	for {
		page, header, err := s.r.ParseNextPage()
		if isEOF(err) && s.loop && !s.isClosed() {
			if _, err = s.f.Seek(0, io.SeekStart); err == nil {
				if s.r, _, err = oggreader.NewWith(s.f); err == nil {
					s.granule = 0
					page, header, err = s.r.ParseNextPage()
				}
			}
		}
		if err != nil {
			if s.isClosed() {
				return pionmedia.Sample{}, errSourceClosed
			}
			if isEOF(err) {
				return pionmedia.Sample{}, io.EOF
			}
			return pionmedia.Sample{}, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		dur := defaultOpusDuration
		if header.GranulePosition > s.granule {
			dur = time.Duration(header.GranulePosition-s.granule) * time.Second / opusClockRate
		}
		s.granule = header.GranulePosition
		if err := s.wait(dur); err != nil {
			return pionmedia.Sample{}, err
		}
		return pionmedia.Sample{Data: page, Duration: dur}, nil
	}
}

func (s *oggSource) Close() error {
	s.close()
	return s.f.Close()
}
