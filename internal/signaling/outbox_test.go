package signaling

import "testing"

func env(id string) Envelope {
	return Envelope{ID: id, Type: TypeChatMessage}
}

func ids(o *outbox) []string {
	var out []string
	for {
		e, ok := o.next()
		if !ok {
			return out
		}
		out = append(out, e.ID)
	}
}

func TestOutboxFIFOAndAck(t *testing.T) {
	o := newOutbox(4)
	o.push(env("1"))
	o.push(env("2"))

	e, ok := o.next()
	if !ok || e.ID != "1" {
		t.Fatalf("next=%v,%v, want 1", e.ID, ok)
	}
	if !o.ack("1") {
		t.Fatalf("expected ack of inflight 1")
	}
	if o.ack("1") {
		t.Fatalf("expected second ack to be a no-op")
	}
	if got := o.len(); got != 1 {
		t.Fatalf("len=%d, want 1", got)
	}
}

func TestOutboxRewindKeepsOrder(t *testing.T) {
	o := newOutbox(8)
	for _, id := range []string{"1", "2", "3"} {
		o.push(env(id))
	}
	o.next()
	o.next()
	o.ack("1")
	o.push(env("4"))

	o.rewind()
	got := ids(o)
	want := []string{"2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("ids=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids=%v, want %v", got, want)
		}
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	o := newOutbox(2)
	if o.push(env("1")) || o.push(env("2")) {
		t.Fatalf("unexpected drop below bound")
	}
	o.next() // 1 inflight
	if !o.push(env("3")) {
		t.Fatalf("expected drop at bound")
	}
	if got := o.takeDropped(); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
	if got := o.takeDropped(); got != 0 {
		t.Fatalf("dropped after take=%d, want 0", got)
	}
	o.rewind()
	got := ids(o)
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("ids=%v, want [2 3]", got)
	}
}
