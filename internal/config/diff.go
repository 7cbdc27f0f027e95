package config

import (
	"reflect"
	"strings"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (bot token, postgres DSN) are never included;
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Buffer != newCfg.Telegram.Buffer ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedChats, newCfg.Telegram.AllowedChats) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.allowed_chats", len(newCfg.Telegram.AllowedChats)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.String("storage.path", nS.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Media, newCfg.Media) {
		changed = append(changed, "media")
		if newCfg.Media != nil {
			attrs = append(attrs,
				logx.String("media.driver", newCfg.Media.Driver),
				logx.String("media.dir", newCfg.Media.Dir),
				logx.Int("media.rate_per_sec", newCfg.Media.RatePerSec),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Ingest, newCfg.Ingest) {
		changed = append(changed, "ingest")
	}
	if !reflect.DeepEqual(oldCfg.Backfill, newCfg.Backfill) {
		changed = append(changed, "backfill")
		if newCfg.Backfill != nil {
			attrs = append(attrs,
				logx.Bool("backfill.enabled", newCfg.Backfill.Enabled),
				logx.Int("backfill.channels", len(newCfg.Backfill.Channels)),
				logx.String("backfill.schedule", newCfg.Backfill.Schedule),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Fanout, newCfg.Fanout) {
		changed = append(changed, "fanout")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.queue_size", n.QueueSize),
				logx.Bool("notifier.webhook_set", strings.TrimSpace(n.WebhookURL) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
	}

	return changed, attrs
}

// RestartRequired reports sections that changed but cannot be applied without a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "media", "ingest", "http":
			out = append(out, s)
		}
	}
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
