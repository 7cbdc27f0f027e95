package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the collector. Data payloads are small structs
// defined by the publishing package.
const (
	IngestCreated   = "ingest.created"
	IngestDuplicate = "ingest.duplicate"
	IngestFailed    = "ingest.failed"

	BackfillStarted         = "backfill.started"
	BackfillChannelDone     = "backfill.channel_completed"
	BackfillChannelDeferred = "backfill.channel_pending"
	BackfillFinished        = "backfill.finished"

	NotifyDelivered = "notify.delivered"
	NotifyFailed    = "notify.failed"

	ConfigReloaded = "config.reloaded"
)

// Event is an in-memory signal used for observability and loose coupling.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes typ with data on b. A nil bus is a no-op.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock across the non-blocking sends; Subscribe's
	// unsubscribe closes channels under the write lock, so no send can
	// race a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
