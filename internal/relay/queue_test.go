package relay

import (
	"testing"
	"time"
)

func TestSendQueueRespectsByteBudget(t *testing.T) {
	q := newSendQueue(4)
	if !q.Enqueue([]byte("ab")) || !q.Enqueue([]byte("cd")) {
		t.Fatalf("expected frames within budget to be accepted")
	}
	if q.Enqueue([]byte("e")) {
		t.Fatalf("expected frame over budget to be refused")
	}
	frame, ok := q.Dequeue()
	if !ok || string(frame) != "ab" {
		t.Fatalf("Dequeue=%q,%v, want ab", frame, ok)
	}
	if !q.Enqueue([]byte("e")) {
		t.Fatalf("expected room after dequeue")
	}
}

func TestSendQueueDrainsBeforeClose(t *testing.T) {
	q := newSendQueue(16)
	q.Enqueue([]byte("last"))
	q.closeAfter(1000, "bye")
	q.closeAfter(1011, "ignored")

	if q.Enqueue([]byte("late")) {
		t.Fatalf("expected enqueue after close to fail")
	}
	if frame, ok := q.Dequeue(); !ok || string(frame) != "last" {
		t.Fatalf("Dequeue=%q,%v, want last", frame, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected closed queue to report empty")
	}
	if code, reason := q.closeFrame(); code != 1000 || reason != "bye" {
		t.Fatalf("close frame=%d %q, want 1000 bye", code, reason)
	}
}

func TestSendQueueDequeueWakesOnClose(t *testing.T) {
	q := newSendQueue(16)
	done := make(chan bool)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.discard()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Dequeue to report closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not wake on close")
	}
}
