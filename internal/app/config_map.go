package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Yordanos7/telegram-collector/internal/backfill"
	"github.com/Yordanos7/telegram-collector/internal/config"
	"github.com/Yordanos7/telegram-collector/internal/fanout"
	"github.com/Yordanos7/telegram-collector/internal/httpapi"
	"github.com/Yordanos7/telegram-collector/internal/ingest"
	"github.com/Yordanos7/telegram-collector/internal/media"
	"github.com/Yordanos7/telegram-collector/internal/notifier"
	"github.com/Yordanos7/telegram-collector/internal/scheduler"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

const (
	defaultDBPath   = "./db.sqlite"
	defaultMediaDir = "./media"
	defaultHTTPAddr = ":8000"
)

var parseDurationOrDefault = config.ParseDurationOrDefault

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertsConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			ThreadID:   l.Alerts.ThreadID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultDBPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultDBPath
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	case "file":
		if path == "" {
			path = "./data/collector"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMediaConfig(cfg *config.Config) (media.Config, error) {
	if cfg.Media == nil {
		return media.Config{Driver: "local", Dir: defaultMediaDir}, nil
	}
	mc := cfg.Media
	driver := strings.ToLower(strings.TrimSpace(mc.Driver))
	switch driver {
	case "", "local":
		dir := strings.TrimSpace(mc.Dir)
		if dir == "" {
			dir = defaultMediaDir
		}
		return media.Config{Driver: "local", Dir: dir}, nil
	case "s3":
		if mc.S3 == nil || strings.TrimSpace(mc.S3.Bucket) == "" {
			return media.Config{}, fmt.Errorf("media.s3.bucket is required when media.driver=s3")
		}
		return media.Config{Driver: "s3", S3: media.S3Config{
			Bucket:         mc.S3.Bucket,
			Region:         mc.S3.Region,
			Prefix:         mc.S3.Prefix,
			Endpoint:       mc.S3.Endpoint,
			ForcePathStyle: mc.S3.ForcePathStyle,
		}}, nil
	default:
		return media.Config{}, fmt.Errorf("unknown media.driver: %s", mc.Driver)
	}
}

// mapIngestConfig also returns how long shutdown waits for in-flight ingests.
func mapIngestConfig(cfg *config.Config) (ingest.Config, time.Duration, error) {
	var (
		ic     ingest.Config
		rawDr  string
		rawWr  string
		rawFet string
	)
	if cfg.Ingest != nil {
		if cfg.Ingest.LockStripes < 0 {
			return ic, 0, fmt.Errorf("ingest.lock_stripes must be >= 0")
		}
		ic.LockStripes = cfg.Ingest.LockStripes
		rawDr, rawWr = cfg.Ingest.DrainTimeout, cfg.Ingest.WriteTimeout
	}
	if cfg.Media != nil {
		if cfg.Media.RatePerSec < 0 {
			return ic, 0, fmt.Errorf("media.rate_per_sec must be >= 0")
		}
		ic.MediaRate = cfg.Media.RatePerSec
		rawFet = cfg.Media.FetchTimeout
	}
	var err error
	if ic.FetchTimeout, err = parseDurationOrDefault("media.fetch_timeout", rawFet, 60*time.Second); err != nil {
		return ic, 0, err
	}
	if ic.WriteTimeout, err = parseDurationOrDefault("ingest.write_timeout", rawWr, 10*time.Second); err != nil {
		return ic, 0, err
	}
	drain, err := parseDurationOrDefault("ingest.drain_timeout", rawDr, 5*time.Second)
	if err != nil {
		return ic, 0, err
	}
	return ic, drain, nil
}

// mapNotifierConfig returns the queue config and the optional webhook URL.
// An omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, "", nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, "", fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	out := notifier.Config{
		Enabled:    nc.Enabled,
		Workers:    nc.Workers,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, "", err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, "", err
	}
	if out.DeliverTimeout, err = parseDurationOrDefault("notifier.deliver_timeout", nc.DeliverTimeout, 5*time.Second); err != nil {
		return notifier.Config{}, "", err
	}
	url := strings.TrimSpace(nc.WebhookURL)
	if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return notifier.Config{}, "", fmt.Errorf("notifier.webhook_url must be an http(s) URL")
	}
	return out, url, nil
}

func mapFanoutConfig(cfg *config.Config) (time.Duration, fanout.WSOptions, error) {
	var raw, rawPing string
	var opts fanout.WSOptions
	if fc := cfg.Fanout; fc != nil {
		if fc.SendBuffer < 0 {
			return 0, opts, fmt.Errorf("fanout.send_buffer must be >= 0")
		}
		raw, rawPing = fc.SendTimeout, fc.PingInterval
		opts.SendBuffer = fc.SendBuffer
	}
	send, err := parseDurationOrDefault("fanout.send_timeout", raw, 5*time.Second)
	if err != nil {
		return 0, opts, err
	}
	if opts.PingInterval, err = parseDurationOrDefault("fanout.ping_interval", rawPing, 30*time.Second); err != nil {
		return 0, opts, err
	}
	return send, opts, nil
}

type backfillSettings struct {
	Enabled   bool
	Ctl       backfill.Config
	ExportDir string
	Schedule  string
	Timezone  string
	OnStart   bool
}

func mapBackfillConfig(cfg *config.Config) (backfillSettings, error) {
	bc := cfg.Backfill
	if bc == nil || !bc.Enabled {
		return backfillSettings{}, nil
	}
	if strings.TrimSpace(bc.ExportDir) == "" {
		return backfillSettings{}, fmt.Errorf("backfill.export_dir is required when backfill is enabled")
	}
	if bc.MaxPerChannel < 0 {
		return backfillSettings{}, fmt.Errorf("backfill.max_per_channel must be >= 0")
	}
	if s := strings.TrimSpace(bc.Schedule); s != "" {
		if _, err := scheduler.Parse(s); err != nil {
			return backfillSettings{}, fmt.Errorf("backfill.schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(bc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return backfillSettings{}, fmt.Errorf("backfill.timezone: invalid %q: %w", tz, err)
		}
	}
	onStart := true
	if bc.OnStart != nil {
		onStart = *bc.OnStart
	}
	return backfillSettings{
		Enabled:   true,
		Ctl:       backfill.Config{Channels: bc.Channels, ListFile: bc.ListFile, MaxPerChannel: bc.MaxPerChannel},
		ExportDir: bc.ExportDir,
		Schedule:  strings.TrimSpace(bc.Schedule),
		Timezone:  strings.TrimSpace(bc.Timezone),
		OnStart:   onStart,
	}, nil
}

func mapHTTPConfig(cfg *config.Config, ws fanout.WSOptions) (httpapi.Config, bool, error) {
	out := httpapi.Config{Addr: defaultHTTPAddr, WS: ws}
	hc := cfg.HTTP
	if hc == nil {
		return out, true, nil
	}
	if hc.Enabled != nil && !*hc.Enabled {
		return out, false, nil
	}
	if a := strings.TrimSpace(hc.Addr); a != "" {
		out.Addr = a
	}
	if hc.MaxPageSize < 0 {
		return out, false, fmt.Errorf("http.max_page_size must be >= 0")
	}
	out.MaxPageSize = hc.MaxPageSize
	out.Pprof = hc.Pprof
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second); err != nil {
		return out, false, err
	}
	// Zero keeps long media downloads from being cut.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// validateConfig runs every mapper so a bad reload is rejected before commit.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.Buffer < 0 {
		return fmt.Errorf("telegram.buffer must be >= 0")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMediaConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, ws, err := mapFanoutConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapBackfillConfig(cfg); err != nil {
		return err
	}
	_, _, err = mapHTTPConfig(cfg, ws)
	return err
}
