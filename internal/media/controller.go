package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

const (
	defaultEventBuffer   = 64
	defaultSubscriberBuf = 256
	workerQueue          = 16
)

type Config struct {
	// StreamID groups the local tracks, usually the participant id.
	StreamID    string
	EventBuffer int
	Logger      *slog.Logger
}

// Controller is the sole owner of the capture devices.
type Controller struct {
	provider DeviceProvider
	streamID string
	log      *slog.Logger
	events   chan Event

	audio *worker
	video *worker

	mutedAudio atomic.Bool
	mutedVideo atomic.Bool

	mu      sync.Mutex
	current Stream
	subs    map[int]chan Sample
	nextSub int

	done        chan struct{}
	releaseOnce sync.Once
	wg          sync.WaitGroup
}

func NewController(provider DeviceProvider, cfg Config) *Controller {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "local"
	}
	c := &Controller{
		provider: provider,
		streamID: cfg.StreamID,
		log:      cfg.Logger,
		events:   make(chan Event, cfg.EventBuffer),
		subs:     make(map[int]chan Sample),
		done:     make(chan struct{}),
	}
	c.audio = &worker{c: c, class: ClassAudio, reqs: make(chan request, workerQueue)}
	c.video = &worker{c: c, class: ClassVideo, reqs: make(chan request, workerQueue)}
	c.wg.Add(2)
	go c.audio.run()
	go c.video.run()
	return c
}

// Events is never closed. Stop reading once Release has returned.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) Devices(ctx context.Context) ([]Device, error) {
	return c.provider.Devices(ctx)
}

// Acquire applies req to both classes and returns the resulting stream. A
// failure in one class does not undo the other, and a class that fails keeps
// its previous capture, so the stream may be partial alongside a non-nil
// error.
func (c *Controller) Acquire(ctx context.Context, req MediaRequest) (Stream, error) {
	video := req.Video
	if video == nil {
		video = NoVideo{}
	}
	audioReply, aerr := c.submit(ctx, c.audio, request{op: opAcquire, audio: req.Audio, audioID: req.AudioDeviceID})
	videoReply, verr := c.submit(ctx, c.video, request{op: opAcquire, video: video})
	ra := c.wait(ctx, audioReply, aerr)
	rv := c.wait(ctx, videoReply, verr)
	return c.Current(), errors.Join(ra.err, rv.err)
}

// AcquireVideo replaces the video capture only.
func (c *Controller) AcquireVideo(ctx context.Context, req VideoRequest) (*webrtc.TrackLocalStaticSample, error) {
	if req == nil {
		req = NoVideo{}
	}
	reply, err := c.submit(ctx, c.video, request{op: opAcquire, video: req})
	res := c.wait(ctx, reply, err)
	return res.track, res.err
}

// Stop fully releases one class.
func (c *Controller) Stop(class Class) error {
	w := c.worker(class)
	if w == nil {
		return fmt.Errorf("media: unknown class %q", class)
	}
	reply, err := c.submit(context.Background(), w, request{op: opStop})
	return c.wait(context.Background(), reply, err).err
}

// SetMuted stops or resumes forwarding samples of a class. The device stays
// open while muted.
func (c *Controller) SetMuted(class Class, muted bool) {
	switch class {
	case ClassAudio:
		c.mutedAudio.Store(muted)
	case ClassVideo:
		c.mutedVideo.Store(muted)
	}
}

func (c *Controller) Muted(class Class) bool {
	switch class {
	case ClassAudio:
		return c.mutedAudio.Load()
	case ClassVideo:
		return c.mutedVideo.Load()
	}
	return false
}

func (c *Controller) Current() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Active reports whether any class has a capture.
func (c *Controller) Active() bool {
	return !c.Current().Empty()
}

// Subscribe taps unmuted samples as they are forwarded. A slow subscriber
// misses samples rather than stalling capture. cancel closes the channel.
func (c *Controller) Subscribe() (<-chan Sample, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Sample, defaultSubscriberBuf)
	select {
	case <-c.done:
		close(ch)
		return ch, func() {}
	default:
	}
	c.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Release stops every capture and the workers. The controller is unusable
// afterwards. Release is idempotent.
func (c *Controller) Release() {
	c.releaseOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.mu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.current = Stream{}
		c.mu.Unlock()
	})
}

func (c *Controller) worker(class Class) *worker {
	switch class {
	case ClassAudio:
		return c.audio
	case ClassVideo:
		return c.video
	}
	return nil
}

func (c *Controller) submit(ctx context.Context, w *worker, r request) (chan result, error) {
	r.ctx = ctx
	r.reply = make(chan result, 1)
	select {
	case w.reqs <- r:
		return r.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrReleased
	}
}

func (c *Controller) wait(ctx context.Context, reply chan result, err error) result {
	if err != nil {
		return result{err: err}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-c.done:
		return result{err: ErrReleased}
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("media event dropped, consumer not keeping up", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) setCurrent(class Class, track *webrtc.TrackLocalStaticSample, screen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch class {
	case ClassAudio:
		c.current.Audio = track
	case ClassVideo:
		c.current.Video = track
		c.current.Screen = screen
	}
}

func (c *Controller) publish(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

type op int

const (
	opAcquire op = iota
	opStop
	opEnded
)

type request struct {
	ctx     context.Context
	op      op
	audio   bool
	audioID string
	video   VideoRequest
	ended   *capture
	reply   chan result
}

type result struct {
	track  *webrtc.TrackLocalStaticSample
	screen bool
	err    error
}

type capture struct {
	class  Class
	device Device
	src    Source
	track  *webrtc.TrackLocalStaticSample
	stop   chan struct{}
	done   chan struct{}
}

func (cp *capture) screen() bool {
	return cp.device.Kind == KindDisplay
}

// worker applies the requests of one class in arrival order.
type worker struct {
	c     *Controller
	class Class
	reqs  chan request
	cur   *capture

	lastCamera    DeviceSelector
	hasLastCamera bool
}

func (w *worker) run() {
	defer w.c.wg.Done()
	for {
		select {
		case r := <-w.reqs:
			res := w.apply(r)
			if r.reply != nil {
				r.reply <- res
			}
		case <-w.c.done:
			w.release()
			return
		}
	}
}

func (w *worker) apply(r request) result {
	switch r.op {
	case opStop:
		if w.cur != nil {
			w.release()
			w.c.emit(SourceChangedEvent{Class: w.class})
		}
		return result{}
	case opEnded:
		if r.ended != w.cur {
			return result{}
		}
		wasScreen := w.cur.screen()
		w.release()
		if wasScreen && w.hasLastCamera {
			w.c.log.Info("screen capture ended, returning to camera", "device_id", w.lastCamera.DeviceID)
			return w.acquire(context.Background(), KindCamera, w.lastCamera.DeviceID)
		}
		w.c.emit(SourceEndedEvent{Class: w.class})
		return result{}
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if w.class == ClassAudio {
		if !r.audio {
			return w.apply(request{op: opStop})
		}
		return w.acquire(ctx, KindMicrophone, r.audioID)
	}
	switch v := r.video.(type) {
	case DeviceSelector:
		res := w.acquire(ctx, KindCamera, v.DeviceID)
		if res.err == nil {
			w.lastCamera, w.hasLastCamera = v, true
		}
		return res
	case ScreenCapture:
		return w.acquire(ctx, KindDisplay, v.DisplayID)
	default:
		return w.apply(request{op: opStop})
	}
}

func (w *worker) acquire(ctx context.Context, kind DeviceKind, id string) result {
	c := w.c
	device, err := w.resolve(ctx, kind, id)
	if err == nil {
		// The current capture stays live until the new one is open, unless
		// the same device is being reopened.
		released := false
		if w.cur != nil && w.cur.device.ID == device.ID && w.cur.device.Kind == device.Kind {
			w.release()
			released = true
		}
		var src Source
		var track *webrtc.TrackLocalStaticSample
		src, err = c.provider.Open(ctx, device)
		if err == nil {
			track, err = webrtc.NewTrackLocalStaticSample(src.Codec(), trackID(kind), c.streamID)
			if err != nil {
				_ = src.Close()
				err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
			}
		}
		if err == nil {
			w.release()
			cp := &capture{class: w.class, device: device, src: src, track: track, stop: make(chan struct{}), done: make(chan struct{})}
			w.cur = cp
			c.setCurrent(w.class, track, cp.screen())
			go c.pump(w, cp)
			c.log.Info("capture started", "class", w.class, "device_id", device.ID, "kind", kind)
			c.emit(SourceChangedEvent{Class: w.class, Track: track, Screen: cp.screen()})
			return result{track: track, screen: cp.screen()}
		}
		if released {
			defer c.emit(SourceEndedEvent{Class: w.class})
		}
	}
	if !errors.Is(err, ErrDeviceAccessDenied) && !errors.Is(err, ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	c.log.Warn("capture failed", "class", w.class, "device_id", id, "kind", kind, "err", err)
	c.emit(DeviceErrorEvent{Class: w.class, DeviceID: id, Err: err})
	return result{err: err}
}

func (w *worker) resolve(ctx context.Context, kind DeviceKind, id string) (Device, error) {
	devices, err := w.c.provider.Devices(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.Kind == kind && (id == "" || d.ID == id) {
			return d, nil
		}
	}
	if id == "" {
		return Device{}, fmt.Errorf("%w: no %s", ErrDeviceUnavailable, kind)
	}
	return Device{}, fmt.Errorf("%w: no %s %q", ErrDeviceUnavailable, kind, id)
}

func (w *worker) release() {
	cp := w.cur
	if cp == nil {
		return
	}
	w.cur = nil
	close(cp.stop)
	_ = cp.src.Close()
	<-cp.done
	w.c.setCurrent(w.class, nil, false)
	w.c.log.Info("capture released", "class", w.class, "device_id", cp.device.ID)
}

func (c *Controller) pump(w *worker, cp *capture) {
	defer close(cp.done)
	for {
		s, err := cp.src.ReadSample()
		if err != nil {
			select {
			case <-cp.stop:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				c.log.Warn("capture read failed", "class", cp.class, "device_id", cp.device.ID, "err", err)
			}
			select {
			case w.reqs <- request{op: opEnded, ended: cp}:
			case <-cp.stop:
			case <-c.done:
			}
			return
		}
		if c.Muted(cp.class) {
			continue
		}
		if err := cp.track.WriteSample(s); err != nil {
			c.log.Debug("write sample", "class", cp.class, "err", err)
		}
		c.publish(Sample{Class: cp.class, Codec: cp.src.Codec(), Sample: s})
	}
}

func trackID(kind DeviceKind) string {
	switch kind {
	case KindMicrophone:
		return "audio"
	case KindDisplay:
		return "screen"
	default:
		return "camera"
	}
}
