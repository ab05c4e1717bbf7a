package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trendbot/internal/monitor"
	"trendbot/internal/notifier"
	"trendbot/internal/pipeline"
	"trendbot/internal/storage"
)

// mapStorageConfig translates the storage section. The ledger is not
// optional: every stage persists through it, so a disabled driver is a
// configuration error rather than a degraded mode.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("storage: config required")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver: the sqlite ledger is required")
	}
	path := strings.TrimSpace(cfg.Storage.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapPipelineConfig(cfg *Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	if p.IntervalMinutes < 0 {
		return pipeline.Config{}, fmt.Errorf("pipeline.interval_minutes must be >= 0")
	}
	if p.MinScore < 0 {
		return pipeline.Config{}, fmt.Errorf("pipeline.min_score must be >= 0")
	}
	for g, m := range p.GroupMultipliers {
		if m <= 0 {
			return pipeline.Config{}, fmt.Errorf("pipeline.group_multipliers[%s] must be > 0", g)
		}
	}

	pubSpacing, err := parseDurationField("pipeline.publish_spacing", p.PublishSpacing)
	if err != nil {
		return pipeline.Config{}, err
	}
	metSpacing, err := parseDurationField("pipeline.metrics_spacing", p.MetricsSpacing)
	if err != nil {
		return pipeline.Config{}, err
	}
	minAge, err := parseDurationField("pipeline.metrics_min_age", p.MetricsMinAge)
	if err != nil {
		return pipeline.Config{}, err
	}

	// Zero values fall through to the pipeline's own defaults.
	return pipeline.Config{
		Groups:              p.Groups,
		PerGroupLimit:       p.PerGroupLimit,
		MinScore:            p.MinScore,
		GroupMultipliers:    p.GroupMultipliers,
		GenerateConcurrency: p.GenerateConcurrency,
		PublishSpacing:      pubSpacing,
		MetricsSpacing:      metSpacing,
		MetricsMinAge:       minAge,
		MaxPostLength:       p.MaxPostLength,
	}, nil
}

// jobSettings are the resolved trigger parameters for the four recurring jobs.
type jobSettings struct {
	pipelineEvery time.Duration
	pipelineGrace time.Duration

	metricsEvery time.Duration
	metricsGrace time.Duration

	snapshotEvery time.Duration

	cleanupAt string
}

func mapJobSettings(cfg *Config) (jobSettings, error) {
	var js jobSettings

	minutes := cfg.Pipeline.IntervalMinutes
	if minutes <= 0 {
		minutes = 5
	}
	js.pipelineEvery = time.Duration(minutes) * time.Minute
	js.metricsEvery = time.Hour

	// An explicit "0s" grace is a deliberate drop-when-late policy, so the
	// defaults only apply to omitted fields.
	var err error
	js.pipelineGrace = 5 * time.Minute
	if strings.TrimSpace(cfg.Scheduler.PipelineGrace) != "" {
		if js.pipelineGrace, err = parseDurationField("scheduler.pipeline_grace", cfg.Scheduler.PipelineGrace); err != nil {
			return js, err
		}
	}
	js.metricsGrace = 10 * time.Minute
	if strings.TrimSpace(cfg.Scheduler.MetricsGrace) != "" {
		if js.metricsGrace, err = parseDurationField("scheduler.metrics_grace", cfg.Scheduler.MetricsGrace); err != nil {
			return js, err
		}
	}
	if js.snapshotEvery, err = parseDurationOrDefault("scheduler.snapshot_every", cfg.Scheduler.SnapshotEvery, 6*time.Hour); err != nil {
		return js, err
	}

	js.cleanupAt = strings.TrimSpace(cfg.Scheduler.CleanupAt)
	if js.cleanupAt == "" {
		js.cleanupAt = "02:00"
	}
	if err := validateHHMM("scheduler.cleanup_at", js.cleanupAt); err != nil {
		return js, err
	}
	return js, nil
}

func mapRetention(cfg *Config) (keepDays, snapshotDays int, err error) {
	keepDays, snapshotDays = cfg.Retention.Days, cfg.Retention.SnapshotDays
	if keepDays < 0 || snapshotDays < 0 {
		return 0, 0, fmt.Errorf("retention days must be >= 0")
	}
	if keepDays == 0 {
		keepDays = 30
	}
	if snapshotDays == 0 {
		snapshotDays = 7
	}
	return keepDays, snapshotDays, nil
}

func mapMonitorConfig(cfg *Config) (monitor.Config, error) {
	if cfg.Monitor == nil {
		return monitor.Config{}, nil
	}
	m := cfg.Monitor
	interval, err := parseDurationOrDefault("monitor.interval", m.Interval, time.Minute)
	if err != nil {
		return monitor.Config{}, err
	}
	maxRunAge, err := parseDurationField("monitor.max_run_age", m.MaxRunAge)
	if err != nil {
		return monitor.Config{}, err
	}
	if m.MinSuccessRate24h < 0 || m.MinSuccessRate24h > 1 {
		return monitor.Config{}, fmt.Errorf("monitor.min_success_rate_24h must be within [0,1]")
	}
	return monitor.Config{
		Enabled:  m.Enabled,
		Interval: interval,
		Thresholds: monitor.Thresholds{
			MinSuccessRate24h:      m.MinSuccessRate24h,
			MaxConsecutiveFailures: m.MaxConsecutiveFailures,
			MaxRunAge:              maxRunAge,
		},
	}, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	if cfg.Telegram == nil || !cfg.Telegram.Enabled {
		return notifier.Config{}, nil
	}
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return notifier.Config{}, fmt.Errorf("telegram.token is required when telegram.enabled is true")
	}
	if t.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("telegram.chat_id is required when telegram.enabled is true")
	}
	return notifier.Config{Enabled: true, Token: t.Token, ChatID: t.ChatID}, nil
}

func validateHHMM(path, s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("%s: invalid time %q, expected HH:MM", path, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("%s: invalid hour in %q", path, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("%s: invalid minute in %q", path, s)
	}
	return nil
}
