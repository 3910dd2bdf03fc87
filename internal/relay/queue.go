package relay

import "sync"

// sendQueue is a byte-bounded FIFO of encoded frames waiting for a
// connection's writer.
//
// Enqueue never blocks so the hub can fan out to every member of a room while
// holding its lock. After closeAfter, the writer drains what is queued and
// then sends the recorded close frame.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	closeCode   int
	closeReason string
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame if it fits within the byte budget.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	q.curBytes -= len(frame)
	return frame, true
}

// closeAfter stops accepting frames. The first call decides the close frame.
func (q *sendQueue) closeAfter(code int, reason string) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.closeCode = code
		q.closeReason = reason
	}
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// discard drops everything still queued.
func (q *sendQueue) discard() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *sendQueue) closeFrame() (int, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeCode, q.closeReason
}
