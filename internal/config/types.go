package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted sections
// fall back to runtime defaults; see the map*Config helpers in internal/app.
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Media    *MediaConfig    `json:"media,omitempty"`
	Ingest   *IngestConfig   `json:"ingest,omitempty"`
	Backfill *BackfillConfig `json:"backfill,omitempty"`
	Fanout   *FanoutConfig   `json:"fanout,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     *HTTPConfig     `json:"http,omitempty"`
}

type TelegramConfig struct {
	// Token may also come from TELEGRAM_TOKEN. Never logged.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// AllowedChats restricts live ingestion to these chat ids or @handles.
	// Empty means every chat the bot sees.
	AllowedChats []string `json:"allowed_chats,omitempty"`
	// Buffer is the capacity of the live event channel.
	Buffer int `json:"buffer,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warnings to an operator chat through the bot.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the post repository backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/posts.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://u:p@db/collector?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`            // postgres only; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`   // sqlite only
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // postgres only
}

type MediaConfig struct {
	Driver       string    `json:"driver"` // "local" (default) or "s3"
	Dir          string    `json:"dir,omitempty"`
	FetchTimeout string    `json:"fetch_timeout,omitempty"`
	RatePerSec   int       `json:"rate_per_sec,omitempty"`
	S3           *S3Config `json:"s3,omitempty"`
}

type S3Config struct {
	Bucket         string `json:"bucket"`
	Region         string `json:"region"`
	Prefix         string `json:"prefix,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty"`
}

type IngestConfig struct {
	LockStripes  int    `json:"lock_stripes,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// BackfillConfig controls bulk history import.
type BackfillConfig struct {
	Enabled bool `json:"enabled"`
	// Channels is merged with the channels listed in ListFile.
	Channels      []string `json:"channels,omitempty"`
	ListFile      string   `json:"list_file,omitempty"`
	ExportDir     string   `json:"export_dir,omitempty"`
	MaxPerChannel int      `json:"max_per_channel,omitempty"`
	// Schedule re-runs backfill: cron ("0 */6 * * *"), interval ("30m"), or daily "HH:MM".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	OnStart  *bool  `json:"on_start,omitempty"`
}

type FanoutConfig struct {
	SendTimeout  string `json:"send_timeout,omitempty"`
	SendBuffer   int    `json:"send_buffer,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
}

// NotifierConfig controls PostCreated delivery.
// If the section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled        bool   `json:"enabled"`
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	RatePerSec     int    `json:"rate_per_sec"`
	RetryMax       int    `json:"retry_max"`
	RetryBase      string `json:"retry_base"`
	RetryMaxDelay  string `json:"retry_max_delay"`
	DeliverTimeout string `json:"deliver_timeout"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// HTTPConfig controls the read API, websocket endpoint and media serving.
//
// Pprof routes are only mounted when Pprof is true; prefer a loopback Addr then.
type HTTPConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	MaxPageSize  int    `json:"max_page_size,omitempty"`
}
