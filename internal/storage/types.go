package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the ledger database.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ItemStatus is the lifecycle state of one item.
//
// States advance monotonically:
//
//	collected → scored → generated → published → metrics_collected
//
// "failed" is reachable from any non-terminal state and is absorbing.
type ItemStatus string

const (
	StatusCollected        ItemStatus = "collected"
	StatusScored           ItemStatus = "scored"
	StatusGenerated        ItemStatus = "generated"
	StatusPublished        ItemStatus = "published"
	StatusMetricsCollected ItemStatus = "metrics_collected"
	StatusFailed           ItemStatus = "failed"
)

// Item is one unit of content flowing through the pipeline.
// ExternalID is the source's identifier and the primary key.
type Item struct {
	ExternalID    string
	RunID         string
	Group         string
	Title         string
	URL           string
	Permalink     string
	Popularity    int
	Comments      int
	ApprovalRatio float64
	CreatedAt     time.Time
	CollectedAt   time.Time

	Status ItemStatus

	Score  float64
	Passed bool

	GeneratedText string

	PostID      string
	PostURL     string
	PublishedAt time.Time // zero until published

	MetricsCollectedAt time.Time // zero until metrics collected
	Metrics            Metrics

	FailReason string
}

// Metrics are the engagement figures read back from the publishing platform.
type Metrics struct {
	Likes       int
	Retweets    int
	Replies     int
	Quotes      int
	Impressions int
}

// EngagementScore is the weighted engagement total used in snapshots.
func (m Metrics) EngagementScore() float64 {
	return float64(m.Likes) + 3*float64(m.Retweets) + 2*float64(m.Replies) + 2.5*float64(m.Quotes)
}

// RunCounters are per-stage item counts for one run.
// They only ever increase within a run.
type RunCounters struct {
	Collected int
	Scored    int
	Generated int
	Published int
	Failed    int
}

// Run is one execution of the pipeline.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time // zero until terminal
	Stage       string
	Counters    RunCounters

	// Outcome is "" while running, then "success" or "failed".
	Outcome string
	Error   string

	// Config snapshot used for this run.
	MinScore float64
	Groups   []string
}

// Stats aggregates the trailing 24 hours for snapshots and the monitor.
type Stats struct {
	Runs          int
	Succeeded     int
	SuccessRate   float64
	Published     int
	AvgEngagement float64
}

// Snapshot is one persisted Stats sample.
type Snapshot struct {
	ID int64
	At time.Time
	Stats
}
