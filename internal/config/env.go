package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration.
const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvDBURL         = "DB_URL"
	EnvMediaDir      = "MEDIA_DIR"
	EnvHTTPAddr      = "HTTP_ADDR"
	EnvWebhookURL    = "WEBHOOK_URL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg using getenv (os.Getenv if nil).
//
// DB_URL accepts "postgres://..." / "postgresql://..." (postgres driver),
// "sqlite:///path" or a plain file path (sqlite driver).
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDBURL)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		lv := strings.ToLower(v)
		switch {
		case strings.HasPrefix(lv, "postgres://"), strings.HasPrefix(lv, "postgresql://"):
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DSN = v
		case strings.HasPrefix(lv, "sqlite:///"):
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.Path = v[len("sqlite:///"):]
		default:
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.Path = v
		}
	}
	if v := strings.TrimSpace(getenv(EnvMediaDir)); v != "" {
		if cfg.Media == nil {
			cfg.Media = &MediaConfig{}
		}
		cfg.Media.Dir = v
	}
	if v := strings.TrimSpace(getenv(EnvHTTPAddr)); v != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvWebhookURL)); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{Enabled: true}
		}
		cfg.Notifier.WebhookURL = v
	}
}
