package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    *EmailConfig   `json:"email,omitempty"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls the tick driver and housekeeping triggers.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Dispatch controls the delivery pool and its retries.
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    *HTTPConfig    `json:"http,omitempty"`
}

// TelegramConfig controls the Telegram channel and the log sink target.
//
// An empty token disables the channel; alarms routed to it then fail with
// "channel not configured".
type TelegramConfig struct {
	Token string `json:"token"`
	// Poll answers /start with the chat id. Needs getUpdates, so leave it off
	// when another process polls the same bot.
	Poll     bool   `json:"poll,omitempty"`
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string  `json:"poll_timeout"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

// EmailConfig controls the SMTP channel. Omitted means disabled.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick driver.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - timezone: "Asia/Seoul" (housekeeping cron specs)
//   - batch_size: 100
//   - claim_lease: derived from dispatch timeouts
//   - instance_id: hostname plus a random suffix
//   - history_retention: "0s" (keep forever)
//   - housekeeping: "30 3 * * *"
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	ClaimLease   string `json:"claim_lease,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`

	HistoryRetention string `json:"history_retention,omitempty"`
	Housekeeping     string `json:"housekeeping,omitempty"`
}

// DispatchConfig controls the delivery pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - delivery_timeout: "10s"
//   - retry_max: 3 (0 disables retries)
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - dedup_window: "10m"
//   - dedup_max_entries: 5000
type DispatchConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	RetryMax        *int   `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./memoalarm.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the REST listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
