package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func noEnv(string) string { return "" }

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	writeFile(t, p, `{"telegram":{"token":"x"},"bogus":1}`)

	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, `
telegram:
  token: abc
storage:
  driver: sqlite
  path: ./posts.db
backfill:
  enabled: true
  channels: [news, sports]
  max_per_channel: 50
`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "abc" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if got := cfg.Backfill.Channels; len(got) != 2 || got[1] != "sports" {
		t.Fatalf("channels = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		dbURL  string
		driver string
		path   string
		dsn    string
	}{
		{"postgres", "postgres://u:p@db/c?sslmode=disable", "postgres", "", "postgres://u:p@db/c?sslmode=disable"},
		{"sqlite url", "sqlite:///./posts.db", "sqlite", "./posts.db", ""},
		{"plain path", "/var/lib/collector.db", "sqlite", "/var/lib/collector.db", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := map[string]string{
				EnvDBURL:         tt.dbURL,
				EnvTelegramToken: "tok",
				EnvMediaDir:      "/srv/media",
				EnvWebhookURL:    "http://api/hook",
			}
			var cfg Config
			ApplyEnv(&cfg, func(k string) string { return env[k] })
			if cfg.Storage.Driver != tt.driver || cfg.Storage.Path != tt.path || cfg.Storage.DSN != tt.dsn {
				t.Fatalf("storage = %+v", *cfg.Storage)
			}
			if cfg.Telegram.Token != "tok" || cfg.Media.Dir != "/srv/media" || cfg.Notifier.WebhookURL != "http://api/hook" {
				t.Fatalf("env not applied: %+v", cfg)
			}
			if !cfg.Notifier.Enabled {
				t.Fatal("webhook env should create an enabled notifier section")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatal("negative duration must fail")
	}
	if _, err := ParseDurationOrDefault("x", "soon", time.Second); err == nil {
		t.Fatal("garbage duration must fail")
	}
	if d, err := ParseDurationField("x", "30"); err != nil || d != 30*time.Second {
		t.Fatalf("bare seconds: got %v, %v", d, err)
	}
}

func TestYAMLMergeKeys(t *testing.T) {
	jb, err := yamlToJSON([]byte(`
base: &base
  driver: sqlite
  path: ./a.db
storage:
  <<: *base
  path: ./b.db
`))
	if err != nil {
		t.Fatalf("yamlToJSON: %v", err)
	}
	got := string(jb)
	want := `"storage":{"driver":"sqlite","path":"./b.db"}`
	if !strings.Contains(got, want) {
		t.Fatalf("got %s, want it to contain %s", got, want)
	}
	if jb, err := yamlToJSON(nil); err != nil || string(jb) != "{}" {
		t.Fatalf("empty doc: %s, %v", jb, err)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://a"}}
	newCfg := &Config{Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://b"}}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "storage" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); len(got) != 1 {
		t.Fatalf("restart = %v", got)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	writeFile(t, p, `{"logging":{"level":"info"}}`)

	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, p, `{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
