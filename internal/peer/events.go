package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Event is delivered on Link.Events.
type Event interface {
	isEvent()
}

type StateEvent struct {
	RemoteID string
	State    webrtc.PeerConnectionState
}

// FailedEvent is final for the link. Err wraps ErrLinkFailed or
// ErrNegotiationTimeout.
type FailedEvent struct {
	RemoteID string
	Err      error
}

type RemoteTrackEvent struct {
	RemoteID string
	Track    *webrtc.TrackRemote
}

func (StateEvent) isEvent()       {}
func (FailedEvent) isEvent()      {}
func (RemoteTrackEvent) isEvent() {}

// eventQueue never blocks pion callbacks: events are buffered without bound
// and forwarded in order by one goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}
