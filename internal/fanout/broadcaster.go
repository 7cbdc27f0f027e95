package fanout

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// Conn is one live subscriber connection. Implementations must be
// comparable (pointer receivers).
type Conn interface {
	ID() string
	// Send delivers msg or fails; it must honor ctx.
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Delivery summarizes one Publish call.
type Delivery struct {
	Topic     string
	Attempted int
	Delivered int
	Failed    []string // connection ids removed after a failed send
}

// Broadcaster keeps an in-memory topic -> connections map. Nothing is
// persisted or replayed; a subscriber only sees messages published while
// it is registered.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]map[string]Conn

	sendTimeout atomic.Int64 // nanoseconds
	log         logx.Logger
}

const defaultSendTimeout = 5 * time.Second

func New(sendTimeout time.Duration, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Broadcaster{
		topics: map[string]map[string]Conn{},
		log:    log.With(logx.String("comp", "fanout")),
	}
	b.SetSendTimeout(sendTimeout)
	return b
}

// SetSendTimeout bounds each per-connection send. Non-positive values reset to the default.
func (b *Broadcaster) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultSendTimeout
	}
	b.sendTimeout.Store(int64(d))
}

// Subscribe registers conn under topic. It reports false if conn was already subscribed.
func (b *Broadcaster) Subscribe(conn Conn, topic string) bool {
	if conn == nil || topic == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.topics[topic]
	if set == nil {
		set = map[string]Conn{}
		b.topics[topic] = set
	}
	if _, ok := set[conn.ID()]; ok {
		return false
	}
	set[conn.ID()] = conn
	b.log.Debug("subscribed", logx.String("topic", topic), logx.String("conn", conn.ID()), logx.Int("subscribers", len(set)))
	return true
}

// Unsubscribe removes conn from topic. Unknown pairs are ignored.
func (b *Broadcaster) Unsubscribe(conn Conn, topic string) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	b.removeLocked(topic, conn)
	b.mu.Unlock()
}

// Disconnect removes conn from every topic.
func (b *Broadcaster) Disconnect(conn Conn) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	for topic := range b.topics {
		b.removeLocked(topic, conn)
	}
	b.mu.Unlock()
}

// removeLocked deletes conn only if the registered entry is the same value,
// so a stale failure cannot evict a newer connection reusing the id.
func (b *Broadcaster) removeLocked(topic string, conn Conn) bool {
	set := b.topics[topic]
	if set == nil {
		return false
	}
	cur, ok := set[conn.ID()]
	if !ok || cur != conn {
		return false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(b.topics, topic)
	}
	return true
}

// Publish sends msg to every current subscriber of topic concurrently. The
// topic lock is released before any send. A connection whose send fails or
// times out is unsubscribed from the topic and closed; others are unaffected.
func (b *Broadcaster) Publish(ctx context.Context, topic string, msg []byte) Delivery {
	b.mu.Lock()
	set := b.topics[topic]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	d := Delivery{Topic: topic, Attempted: len(conns)}
	if len(conns) == 0 {
		return d
	}

	timeout := time.Duration(b.sendTimeout.Load())
	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c Conn) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			errs[i] = c.Send(sctx, msg)
		}(i, c)
	}
	wg.Wait()

	var failed []Conn
	for i, err := range errs {
		if err == nil {
			d.Delivered++
			continue
		}
		failed = append(failed, conns[i])
		b.log.Debug("send failed; dropping subscriber", logx.String("topic", topic), logx.String("conn", conns[i].ID()), logx.Err(err))
	}
	if len(failed) == 0 {
		return d
	}

	b.mu.Lock()
	for _, c := range failed {
		if b.removeLocked(topic, c) {
			d.Failed = append(d.Failed, c.ID())
		}
	}
	b.mu.Unlock()
	for _, c := range failed {
		_ = c.Close()
	}
	sort.Strings(d.Failed)
	return d
}

// Subscribers returns the number of connections subscribed to topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Topics returns a snapshot of topic -> subscriber count.
func (b *Broadcaster) Topics() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.topics))
	for t, set := range b.topics {
		out[t] = len(set)
	}
	return out
}

// CloseAll closes and forgets every connection. Used on shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	var all []Conn
	for _, set := range b.topics {
		for _, c := range set {
			all = append(all, c)
		}
	}
	b.topics = map[string]map[string]Conn{}
	b.mu.Unlock()
	for _, c := range all {
		_ = c.Close()
	}
}
