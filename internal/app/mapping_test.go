package app

import (
	"testing"
	"time"

	"trendbot/internal/config"
)

func validTestConfig() *Config {
	return &Config{
		Reddit:    config.RedditConfig{ClientID: "cid", ClientSecret: "sec"},
		Anthropic: config.AnthropicConfig{APIKey: "key"},
		Twitter:   config.TwitterConfig{BearerToken: "tok"},
		Storage:   config.StorageConfig{Driver: "sqlite", Path: "./trendbot.db"},
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
	}
}

func TestMapStorageConfigRequiresLedger(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Storage.Driver = "none"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("disabled storage accepted")
	}

	cfg.Storage = config.StorageConfig{Driver: "sqlite"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("sqlite without path accepted")
	}

	cfg.Storage = config.StorageConfig{Driver: "sqlite", Path: "./db", BusyTimeout: "2s"}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.BusyTimeout != 2*time.Second {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}
}

func TestMapPipelineConfigParsesDurations(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Pipeline.PublishSpacing = "3s"
	cfg.Pipeline.MetricsMinAge = "90m"

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		t.Fatalf("mapPipelineConfig: %v", err)
	}
	if pc.PublishSpacing != 3*time.Second || pc.MetricsMinAge != 90*time.Minute {
		t.Fatalf("durations = %v / %v", pc.PublishSpacing, pc.MetricsMinAge)
	}

	cfg.Pipeline.MetricsSpacing = "soon"
	if _, err := mapPipelineConfig(cfg); err == nil {
		t.Fatalf("bad metrics_spacing accepted")
	}
	cfg.Pipeline.MetricsSpacing = ""
	cfg.Pipeline.GroupMultipliers = map[string]float64{"pics": -1}
	if _, err := mapPipelineConfig(cfg); err == nil {
		t.Fatalf("negative multiplier accepted")
	}
}

func TestMapJobSettingsDefaultsAndExplicitZero(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()

	js, err := mapJobSettings(cfg)
	if err != nil {
		t.Fatalf("mapJobSettings: %v", err)
	}
	if js.pipelineEvery != 5*time.Minute || js.pipelineGrace != 5*time.Minute {
		t.Fatalf("pipeline defaults = every %v grace %v", js.pipelineEvery, js.pipelineGrace)
	}
	if js.metricsEvery != time.Hour || js.metricsGrace != 10*time.Minute {
		t.Fatalf("metrics defaults = every %v grace %v", js.metricsEvery, js.metricsGrace)
	}
	if js.snapshotEvery != 6*time.Hour || js.cleanupAt != "02:00" {
		t.Fatalf("snapshot/cleanup defaults = %v / %q", js.snapshotEvery, js.cleanupAt)
	}

	// An explicit "0s" means drop-when-late, not "use the default".
	cfg.Scheduler.PipelineGrace = "0s"
	cfg.Pipeline.IntervalMinutes = 15
	js, err = mapJobSettings(cfg)
	if err != nil {
		t.Fatalf("mapJobSettings: %v", err)
	}
	if js.pipelineGrace != 0 || js.pipelineEvery != 15*time.Minute {
		t.Fatalf("explicit settings = every %v grace %v", js.pipelineEvery, js.pipelineGrace)
	}

	cfg.Scheduler.CleanupAt = "25:00"
	if _, err := mapJobSettings(cfg); err == nil {
		t.Fatalf("invalid cleanup_at accepted")
	}
}

func TestMapNotifierConfigRequiresTarget(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()

	nc, err := mapNotifierConfig(cfg)
	if err != nil || nc.Enabled {
		t.Fatalf("absent telegram section: cfg=%+v err=%v", nc, err)
	}

	cfg.Telegram = &config.TelegramConfig{Enabled: true, Token: "t"}
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatalf("missing chat_id accepted")
	}
	cfg.Telegram.ChatID = 42
	nc, err = mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.ChatID != 42 {
		t.Fatalf("notifier cfg = %+v err = %v", nc, err)
	}
}

func TestMapRetentionDefaults(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	keep, snap, err := mapRetention(cfg)
	if err != nil || keep != 30 || snap != 7 {
		t.Fatalf("retention = %d/%d err=%v", keep, snap, err)
	}
	cfg.Retention.Days = -1
	if _, _, err := mapRetention(cfg); err == nil {
		t.Fatalf("negative retention accepted")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("bad timezone accepted")
	}
	cfg.Scheduler.Timezone = "Asia/Jakarta"

	cfg.Monitor = &config.MonitorConfig{Enabled: true, MinSuccessRate24h: 3}
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("out-of-range success rate accepted")
	}
}
