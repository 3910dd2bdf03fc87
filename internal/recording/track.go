package recording

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/teleclinic/consult/internal/media"
)

const rtpMTU = 1200

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// trackWriter packetizes one class's samples and feeds them to the
// container writer for its codec.
type trackWriter struct {
	class      media.Class
	codec      string
	file       string
	buf        *spillBuffer
	w          rtpWriter
	packetizer rtp.Packetizer
	clockRate  uint32
	samples    int
}

func newTrackWriter(dir string, class media.Class, codec webrtc.RTPCodecCapability, threshold int) (*trackWriter, error) {
	t := &trackWriter{class: class, codec: codec.MimeType, clockRate: codec.ClockRate}
	var (
		payloader rtp.Payloader
		pt        uint8
		err       error
	)
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		t.file = string(class) + ".ivf"
		t.buf = newSpillBuffer(filepath.Join(dir, t.file), threshold)
		t.w, err = ivfwriter.NewWith(t.buf)
		payloader, pt = &codecs.VP8Payloader{}, 96
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		t.file = string(class) + ".ogg"
		t.buf = newSpillBuffer(filepath.Join(dir, t.file), threshold)
		t.w, err = oggwriter.NewWith(t.buf, codec.ClockRate, channels)
		payloader, pt = &codecs.OpusPayloader{}, 111
	default:
		return nil, fmt.Errorf("recording: unsupported codec %q", codec.MimeType)
	}
	if err != nil {
		return nil, err
	}
	if t.clockRate == 0 {
		t.clockRate = 90000
	}
	t.packetizer = rtp.NewPacketizer(rtpMTU, pt, rand.Uint32(), payloader, rtp.NewRandomSequencer(), t.clockRate)
	return t, nil
}

func (t *trackWriter) write(s media.Sample) error {
	samples := uint32(s.Sample.Duration.Seconds() * float64(t.clockRate))
	for _, p := range t.packetizer.Packetize(s.Sample.Data, samples) {
		if err := t.w.WriteRTP(p); err != nil {
			return err
		}
	}
	t.samples++
	return nil
}

func (t *trackWriter) close() error {
	werr := t.w.Close()
	ferr := t.buf.finish()
	if werr != nil {
		return werr
	}
	return ferr
}
