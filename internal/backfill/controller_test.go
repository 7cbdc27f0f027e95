package backfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yordanos7/telegram-collector/internal/eventbus"
	"github.com/Yordanos7/telegram-collector/internal/ingest"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// fakeHistory serves count messages per channel, newest first. If failAfter
// is set the iterator errors after that many messages.
type fakeHistory struct {
	mu        sync.Mutex
	count     map[string]int
	failAfter map[string]int
	missing   map[string]bool
	opened    []string
}

func (h *fakeHistory) History(ctx context.Context, channel string, limit int) (transport.HistoryIterator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, channel)
	if h.missing[channel] {
		return nil, errors.New("no such channel")
	}
	n := h.count[channel]
	if limit > 0 && n > limit {
		n = limit
	}
	stop := -1
	if v, ok := h.failAfter[channel]; ok {
		stop = v
	}
	return &fakeIter{channel: channel, next: int64(n), stop: stop}, nil
}

type fakeIter struct {
	channel string
	next    int64
	served  int
	stop    int
}

func (it *fakeIter) Next(ctx context.Context) (transport.Event, bool, error) {
	if it.stop >= 0 && it.served == it.stop {
		return transport.Event{}, false, errors.New("connection reset")
	}
	if it.next <= 0 {
		return transport.Event{}, false, nil
	}
	ev := transport.Event{
		Channel:   transport.ChannelHint{Handle: it.channel},
		MessageID: it.next,
		Text:      "m",
		PostedAt:  time.Unix(1700000000+it.next, 0),
	}
	it.next--
	it.served++
	return ev, true, nil
}

func (it *fakeIter) Close() error { return nil }

func newStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "collector")}, logx.Nop())
	require.NoError(t, err)
	return st
}

func TestResumeAfterPartialRun(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	const total, first = 10, 4

	hist := &fakeHistory{count: map[string]int{"news": total}, failAfter: map[string]int{"news": first}}
	st := newStore(t, dir)
	c := New(Config{Channels: []string{"news"}}, hist, st, ingest.New(ingest.Config{}, st, nil, nil, nil, logx.Nop()), nil, logx.Nop())

	rep, err := c.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Channels, 1)
	assert.Equal(t, StatusPending, rep.Channels[0].Status)
	assert.Equal(t, first, rep.Channels[0].Created)
	require.NoError(t, st.Close())

	// Restart with a healthy source.
	st = newStore(t, dir)
	defer st.Close()
	hist = &fakeHistory{count: map[string]int{"news": total}}
	c = New(Config{Channels: []string{"news"}}, hist, st, ingest.New(ingest.Config{}, st, nil, nil, nil, logx.Nop()), nil, logx.Nop())

	rep, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rep.Channels[0].Status)
	assert.Equal(t, total-first, rep.Channels[0].Created)
	assert.Equal(t, first, rep.Channels[0].Duplicates)

	posts, err := st.ListByChannel(ctx, "news", 100, 0)
	require.NoError(t, err)
	assert.Len(t, posts, total)

	// Completed channels are not reopened.
	hist.opened = nil
	rep, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, rep.Channels[0].Status)
	assert.Empty(t, hist.opened)
}

type flakyIngester struct {
	inner Ingester
	fail  int64
}

func (f *flakyIngester) Ingest(ctx context.Context, ev transport.Event) (ingest.Result, error) {
	if ev.MessageID == f.fail {
		return ingest.Result{Outcome: ingest.MediaFetchFailed}, ingest.ErrMediaFetch
	}
	return f.inner.Ingest(ctx, ev)
}

func TestFailedMessageKeepsChannelPending(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	p := ingest.New(ingest.Config{}, st, nil, nil, nil, logx.Nop())
	hist := &fakeHistory{count: map[string]int{"a": 3, "b": 2}, missing: map[string]bool{"gone": true}}
	c := New(Config{Channels: []string{"a", "gone", "b"}}, hist, st, &flakyIngester{inner: p, fail: 2}, nil, logx.Nop())

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Channels, 3)

	assert.Equal(t, StatusPending, rep.Channels[0].Status)
	assert.Equal(t, 1, rep.Channels[0].Failed)
	assert.Equal(t, 2, rep.Channels[0].Created, "iteration continues past the failure")
	assert.Equal(t, StatusPending, rep.Channels[1].Status, "unresolvable channel")
	assert.NotEmpty(t, rep.Channels[1].Error)
	assert.Equal(t, StatusPending, rep.Channels[2].Status, "message 2 fails in every channel")
	assert.ElementsMatch(t, []string{"a", "gone", "b"}, rep.Pending())

	recs, err := st.Records(context.Background())
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, storage.StatusPending, r.Status, r.Channel)
	}
}

func TestCompletedEventFiresOnce(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	hist := &fakeHistory{count: map[string]int{"news": 2}}
	c := New(Config{Channels: []string{"news"}}, hist, st, ingest.New(ingest.Config{}, st, nil, nil, nil, logx.Nop()), bus, logx.Nop())
	for i := 0; i < 3; i++ {
		_, err := c.Run(context.Background())
		require.NoError(t, err)
	}

	done := 0
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.BackfillChannelDone {
				done++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, done)
}

type blockingHistory struct{ entered, release chan struct{} }

func (b *blockingHistory) History(ctx context.Context, channel string, limit int) (transport.HistoryIterator, error) {
	close(b.entered)
	<-b.release
	return nil, errors.New("closed")
}

func TestConcurrentRunRefused(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	bh := &blockingHistory{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(Config{Channels: []string{"news"}}, bh, st, nil, nil, logx.Nop())

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = c.Run(context.Background())
	}()
	<-bh.entered
	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunning)
	close(bh.release)
	<-first
}

func TestMaxPerChannelBoundsHistory(t *testing.T) {
	st := newStore(t, t.TempDir())
	defer st.Close()
	hist := &fakeHistory{count: map[string]int{"news": 50}}
	c := New(Config{Channels: []string{"news"}, MaxPerChannel: 5}, hist, st, ingest.New(ingest.Config{}, st, nil, nil, nil, logx.Nop()), nil, logx.Nop())
	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Channels[0].Created)
	assert.Equal(t, StatusCompleted, rep.Channels[0].Status)
}

func TestLoadList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels": ["@news", "tech", " sports "]}`), 0o644))

	got, err := LoadList([]string{"tech", "", "durov"}, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech", "durov", "news", "sports"}, got)

	got, err = LoadList([]string{"a"}, filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	_, err = LoadList(nil, path)
	assert.Error(t, err)
}
