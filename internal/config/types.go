package config

type Config struct {
	Pipeline  PipelineConfig  `json:"pipeline"`
	Reddit    RedditConfig    `json:"reddit"`
	Anthropic AnthropicConfig `json:"anthropic"`
	Twitter   TwitterConfig   `json:"twitter"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`

	// Monitor and Telegram are optional sections; nil means disabled.
	Monitor  *MonitorConfig  `json:"monitor,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// PipelineConfig controls one pipeline cycle.
//
// All durations are Go duration strings (e.g. "3s", "12s", "1h").
//
// Defaults (when fields are omitted/zero):
//   - interval_minutes: 5
//   - min_score: 200
//   - groups: ["interestingasfuck", "technology", "pics"]
//   - per_group_limit: 25
//   - generate_concurrency: 5
//   - publish_spacing: "3s"
//   - metrics_spacing: "12s"
//   - metrics_min_age: "1h"
//   - max_post_length: 280
type PipelineConfig struct {
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
	MinScore        float64  `json:"min_score,omitempty"`
	Groups          []string `json:"groups,omitempty"`

	// GroupMultipliers overrides the built-in static score multipliers
	// keyed by group label (unlisted groups score with factor 1.0).
	GroupMultipliers map[string]float64 `json:"group_multipliers,omitempty"`

	PerGroupLimit       int `json:"per_group_limit,omitempty"`
	GenerateConcurrency int `json:"generate_concurrency,omitempty"`

	PublishSpacing string `json:"publish_spacing,omitempty"`
	MetricsSpacing string `json:"metrics_spacing,omitempty"`
	MetricsMinAge  string `json:"metrics_min_age,omitempty"`

	MaxPostLength int `json:"max_post_length,omitempty"`
}

type RedditConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	UserAgent    string `json:"user_agent,omitempty"`
}

type AnthropicConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type TwitterConfig struct {
	BearerToken string `json:"bearer_token"`
	// Username is used only to render post URLs.
	Username string `json:"username,omitempty"`
}

// StorageConfig controls the ledger database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./trendbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls job triggering.
//
// Grace fields are misfire grace windows: how late a coalesced firing may
// still start after the run that blocked it finishes. "0s" drops a pending
// firing instead of running it late.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"

	// PipelineGrace defaults to "5m", MetricsGrace to "10m".
	PipelineGrace string `json:"pipeline_grace,omitempty"`
	MetricsGrace  string `json:"metrics_grace,omitempty"`

	// SnapshotEvery defaults to "6h"; CleanupAt is HH:MM, default "02:00".
	SnapshotEvery string `json:"snapshot_every,omitempty"`
	CleanupAt     string `json:"cleanup_at,omitempty"`
}

// RetentionConfig controls the daily cleanup job.
type RetentionConfig struct {
	// Days items and runs are kept (default 30).
	Days int `json:"days,omitempty"`
	// SnapshotDays snapshots are kept (default 7).
	SnapshotDays int `json:"snapshot_days,omitempty"`
}

// MonitorConfig controls the health monitor.
//
// Thresholds can also be adjusted at runtime through the control surface;
// config values are the boot-time defaults.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "60s"

	MinSuccessRate24h      float64 `json:"min_success_rate_24h,omitempty"` // default 0.8
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty"`
	MaxRunAge              string  `json:"max_run_age,omitempty"` // alert when no run finished for this long
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}
