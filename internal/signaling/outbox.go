package signaling

import "sync"

// outbox is a count-bounded FIFO of outbound envelopes.
//
// Envelopes move from queued to inflight when written to a connection and
// leave inflight when the relay acknowledges them. After a reconnect the
// inflight envelopes are replayed ahead of the queued ones so the original
// order is kept. When the bound is hit the oldest envelope is dropped.
type outbox struct {
	mu       sync.Mutex
	max      int
	inflight []Envelope
	queued   []Envelope
	dropped  int
}

func newOutbox(max int) *outbox {
	if max <= 0 {
		max = 1
	}
	return &outbox{max: max}
}

// push never blocks. It reports whether an older envelope was dropped to make
// room.
func (o *outbox) push(env Envelope) (droppedOldest bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.inflight)+len(o.queued) >= o.max {
		if len(o.inflight) > 0 {
			o.inflight = popFront(o.inflight)
		} else {
			o.queued = popFront(o.queued)
		}
		o.dropped++
		droppedOldest = true
	}
	o.queued = append(o.queued, env)
	return droppedOldest
}

// next moves the oldest queued envelope to inflight and returns it.
func (o *outbox) next() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queued) == 0 {
		return Envelope{}, false
	}
	env := o.queued[0]
	o.queued = popFront(o.queued)
	o.inflight = append(o.inflight, env)
	return env, true
}

// ack removes the inflight envelope with the given id.
func (o *outbox) ack(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, env := range o.inflight {
		if env.ID == id {
			o.inflight = append(o.inflight[:i], o.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// rewind puts unacknowledged envelopes back in front of the queue.
func (o *outbox) rewind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.inflight) == 0 {
		return
	}
	o.queued = append(o.inflight, o.queued...)
	o.inflight = nil
}

// takeDropped returns and resets the number of envelopes dropped since the
// last call.
func (o *outbox) takeDropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.dropped
	o.dropped = 0
	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight) + len(o.queued)
}

// pending is the number of envelopes not yet written.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queued)
}

func popFront(s []Envelope) []Envelope {
	copy(s, s[1:])
	s[len(s)-1] = Envelope{}
	return s[:len(s)-1]
}
