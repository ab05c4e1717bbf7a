package pipeline

import (
	"context"
	"errors"
	"time"

	"trendbot/internal/storage"
)

// Stage is the pipeline's execution phase.
//
// Transitions are conditional and short-circuit to Completed when a stage
// produces nothing, so downstream collaborators are never invoked for an
// empty working set.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageCollecting Stage = "collecting"
	StageScoring    Stage = "scoring"
	StageGenerating Stage = "generating"
	StagePublishing Stage = "publishing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Source fetches candidate items for one group label.
// A group's failure must be catchable without aborting other groups.
type Source interface {
	Fetch(ctx context.Context, group string, limit int) ([]storage.Item, error)
}

// Generator produces derived post text for one item.
type Generator interface {
	Generate(ctx context.Context, it storage.Item) (string, error)
}

// Publisher posts one piece of text and returns the platform id and URL.
type Publisher interface {
	Publish(ctx context.Context, text string) (id, url string, err error)
}

// MetricsReader reads engagement figures for a previously published post.
// It returns ErrNotFound when the post no longer exists.
type MetricsReader interface {
	ReadMetrics(ctx context.Context, postID string) (storage.Metrics, error)
}

// ErrNotFound marks a metrics read against a deleted/unknown post.
var ErrNotFound = errors.New("post not found")

// Config controls one pipeline cycle.
type Config struct {
	Groups        []string
	PerGroupLimit int
	// GroupPause is the idle spacing between per-group fetches.
	GroupPause time.Duration

	MinScore         float64
	GroupMultipliers map[string]float64

	GenerateConcurrency int
	PublishSpacing      time.Duration

	MetricsSpacing time.Duration
	MetricsMinAge  time.Duration

	MaxPostLength int
}

func (c Config) withDefaults() Config {
	if len(c.Groups) == 0 {
		c.Groups = []string{"interestingasfuck", "technology", "pics"}
	}
	if c.PerGroupLimit <= 0 {
		c.PerGroupLimit = 25
	}
	if c.GroupPause <= 0 {
		c.GroupPause = time.Second
	}
	if c.MinScore <= 0 {
		c.MinScore = 200
	}
	if c.GenerateConcurrency <= 0 {
		c.GenerateConcurrency = 5
	}
	if c.PublishSpacing <= 0 {
		c.PublishSpacing = 3 * time.Second
	}
	if c.MetricsSpacing <= 0 {
		c.MetricsSpacing = 12 * time.Second
	}
	if c.MetricsMinAge <= 0 {
		c.MetricsMinAge = time.Hour
	}
	if c.MaxPostLength <= 0 {
		c.MaxPostLength = 280
	}
	return c
}

// RunEvent is published on the event bus for run lifecycle events
// ("run.started", "run.completed", "run.failed").
type RunEvent struct {
	RunID    string              `json:"run_id"`
	Stage    string              `json:"stage"`
	Counters storage.RunCounters `json:"counters"`
	Outcome  string              `json:"outcome,omitempty"`
	Error    string              `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// BackfillSummary aggregates one metrics back-fill pass ("metrics.summary").
type BackfillSummary struct {
	Processed int `json:"processed"`
	Collected int `json:"collected"`
	Errors    int `json:"errors"`
}
