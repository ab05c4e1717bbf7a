package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "trendbot/pkg/logx"
)

// Ledger is the persistence API the pipeline, scheduler jobs and monitor use.
//
// Per-item transitions are guarded by the current status, so a stale caller
// can never regress an item; the guarded UPDATEs report ErrStaleTransition
// when nothing matched.
type Ledger interface {
	SaveItem(ctx context.Context, it Item) error
	MarkScored(ctx context.Context, externalID string, score float64, passed bool) error
	MarkGenerated(ctx context.Context, externalID, text string) error
	MarkPublished(ctx context.Context, externalID, postID, postURL string, at time.Time) error
	MarkMetricsCollected(ctx context.Context, externalID string, m Metrics, at time.Time) error
	MarkItemFailed(ctx context.Context, externalID, reason string) error

	CreateRun(ctx context.Context, r Run) error
	UpdateRunStage(ctx context.Context, runID, stage string, c RunCounters) error
	CompleteRun(ctx context.Context, runID string, c RunCounters, outcome, errDetail string, at time.Time) error

	ItemsNeedingMetrics(ctx context.Context, minAge time.Duration, now time.Time) ([]Item, error)
	GetRun(ctx context.Context, runID string) (Run, bool, error)
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	Stats24h(ctx context.Context, now time.Time) (Stats, error)

	CreateSnapshot(ctx context.Context, now time.Time) error
	Cleanup(ctx context.Context, keepDays, snapshotDays int, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrStaleTransition is returned when a status-guarded update matched no row
// (unknown id, or the item already moved past / out of the expected state).
var ErrStaleTransition = errors.New("stale item transition")

// Open initializes the configured ledger.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Ledger, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
