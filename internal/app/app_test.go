package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yordanos7/telegram-collector/internal/config"
	"github.com/Yordanos7/telegram-collector/internal/notifier"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func writeExport(t *testing.T, dir, channel string, ids ...int64) {
	t.Helper()
	msgs := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, map[string]any{"id": id, "type": "message", "text": "m", "date_unixtime": "1700000000"})
	}
	b, err := json.Marshal(map[string]any{"name": channel, "messages": msgs})
	require.NoError(t, err)
	root := filepath.Join(dir, channel)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "result.json"), b, 0o644))
}

func TestAppBackfillsOnStart(t *testing.T) {
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "exports")
	writeExport(t, exportDir, "news", 1, 2, 3)
	writeExport(t, exportDir, "tech", 10)

	path := writeConfig(t, dir, map[string]any{
		"logging": map[string]any{"level": "error", "console": true},
		"storage": map[string]any{"driver": "file", "path": filepath.Join(dir, "data", "collector")},
		"media":   map[string]any{"dir": filepath.Join(dir, "media")},
		"http":    map[string]any{"enabled": false},
		"backfill": map[string]any{
			"enabled":    true,
			"channels":   []string{"news", "tech", "absent"},
			"export_dir": exportDir,
		},
	})
	cfgm := config.NewManager(path)
	cfgm.SetEnv(func(string) string { return "" })
	cfg, err := cfgm.Load()
	require.NoError(t, err)
	require.NoError(t, validateConfig(context.Background(), cfg))

	a, err := build(cfgm, cfg)
	require.NoError(t, err)
	assert.Nil(t, a.live, "no token means no live source")
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		recs, err := a.store.Records(context.Background())
		if err != nil {
			return false
		}
		done := 0
		for _, r := range recs {
			if r.Status == storage.StatusCompleted {
				done++
			}
		}
		return done == 2 && len(recs) == 3
	}, 5*time.Second, 20*time.Millisecond)

	posts, err := a.store.ListByChannel(context.Background(), "news", 10, 0)
	require.NoError(t, err)
	assert.Len(t, posts, 3)

	h, err := a.health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h["backfill_pending"], "absent channel stays pending")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
}

// queuedSource hands a fixed batch to the pipeline on Start and then goes quiet.
type queuedSource struct{ events []transport.Event }

func (q *queuedSource) Start(ctx context.Context, out chan<- transport.Event) error {
	for _, ev := range q.events {
		out <- ev
	}
	return nil
}
func (q *queuedSource) Stop(ctx context.Context) error { return nil }
func (q *queuedSource) Abandoned() uint64              { return 0 }

type slowFetcher struct{ delay time.Duration }

func (f slowFetcher) FetchMedia(ctx context.Context, m *transport.Media) (io.ReadCloser, error) {
	select {
	case <-time.After(f.delay):
		return io.NopCloser(strings.NewReader("img")), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStopIngestsBufferedLiveEvents(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "collector")
	path := writeConfig(t, dir, map[string]any{
		"logging": map[string]any{"level": "error", "console": true},
		"storage": map[string]any{"driver": "file", "path": dbPath},
		"media":   map[string]any{"dir": filepath.Join(dir, "media")},
		"http":    map[string]any{"enabled": false},
	})
	cfgm := config.NewManager(path)
	cfgm.SetEnv(func(string) string { return "" })
	cfg, err := cfgm.Load()
	require.NoError(t, err)
	a, err := build(cfgm, cfg)
	require.NoError(t, err)

	const n = 20
	src := &queuedSource{}
	for i := 1; i <= n; i++ {
		ev := transport.Event{Channel: transport.ChannelHint{Handle: "news"}, MessageID: int64(i), Text: "live"}
		if i%5 == 0 {
			ev.Media = &transport.Media{Kind: transport.MediaPhoto, Ref: "p", From: slowFetcher{delay: 20 * time.Millisecond}}
		}
		src.events = append(src.events, ev)
	}
	a.live = src

	require.NoError(t, a.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))

	store, err := storage.Open(storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	posts, err := store.ListByChannel(context.Background(), "news", 100, 0)
	require.NoError(t, err)
	assert.Len(t, posts, n, "every acknowledged live post is stored")
	withMedia := 0
	for _, p := range posts {
		if p.MediaPath != "" {
			withMedia++
		}
	}
	assert.Equal(t, n/5, withMedia)
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: defaultDBPath}, sc)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err, "dsn required")

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "mongo"}})
	assert.Error(t, err)
}

func TestMapNotifierConfig(t *testing.T) {
	nc, hook, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, notifier.Config{Enabled: true}, nc)
	assert.Empty(t, hook)

	nc, hook, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled: true, RetryBase: "1s", WebhookURL: "http://api:8000",
	}})
	require.NoError(t, err)
	assert.Equal(t, time.Second, nc.RetryBase)
	assert.Equal(t, 10*time.Second, nc.RetryMaxDelay)
	assert.Equal(t, "http://api:8000", hook)

	_, _, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{WebhookURL: "ftp://x"}})
	assert.Error(t, err)
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]*config.Config{
		"poll timeout": {Telegram: config.TelegramConfig{PollTimeout: "soon"}},
		"backfill dir": {Backfill: &config.BackfillConfig{Enabled: true}},
		"schedule":     {Backfill: &config.BackfillConfig{Enabled: true, ExportDir: "x", Schedule: "whenever"}},
		"timezone":     {Backfill: &config.BackfillConfig{Enabled: true, ExportDir: "x", Timezone: "Nowhere/City"}},
		"media s3":     {Media: &config.MediaConfig{Driver: "s3"}},
		"fanout":       {Fanout: &config.FanoutConfig{SendTimeout: "-1s"}},
		"http":         {HTTP: &config.HTTPConfig{MaxPageSize: -1}},
	}
	for name, cfg := range cases {
		assert.Error(t, validateConfig(context.Background(), cfg), name)
	}
	assert.NoError(t, validateConfig(context.Background(), &config.Config{}))
}

func TestMapBackfillDefaults(t *testing.T) {
	bf, err := mapBackfillConfig(&config.Config{Backfill: &config.BackfillConfig{Enabled: true, ExportDir: "exports", Schedule: "6h"}})
	require.NoError(t, err)
	assert.True(t, bf.Enabled)
	assert.True(t, bf.OnStart)
	assert.Equal(t, "6h", bf.Schedule)

	off := false
	bf, err = mapBackfillConfig(&config.Config{Backfill: &config.BackfillConfig{Enabled: true, ExportDir: "exports", OnStart: &off}})
	require.NoError(t, err)
	assert.False(t, bf.OnStart)
}
