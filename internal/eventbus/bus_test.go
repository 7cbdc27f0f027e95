package eventbus

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	Emit(b, IngestCreated, 42)

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != IngestCreated || e.Data.(int) != 42 || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	Emit(b, IngestDuplicate, 1)
	Emit(b, IngestDuplicate, 2)

	if got := (<-ch).Data.(int); got != 1 {
		t.Fatalf("first event = %d", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	Emit(b, IngestFailed, nil)
	Emit(nil, IngestFailed, nil)
}
