// Package scoring turns a collected item into a virality score and a
// threshold verdict. It is pure: no clock reads, no I/O; callers pass the
// batch snapshot time so a whole run scores against one instant.
package scoring

import (
	"time"

	"trendbot/internal/storage"
)

// Default multipliers per source group. Unlisted groups score with 1.0.
var defaultGroupMultipliers = map[string]float64{
	"interestingasfuck": 1.0,
	"technology":        1.1,
	"pics":              0.9,
	"programming":       1.2,
	"MachineLearning":   1.3,
	"artificial":        1.2,
}

type Config struct {
	// MinScore is the inclusive threshold an item must reach to proceed.
	MinScore float64

	// GroupMultipliers overrides the built-in table when non-nil.
	GroupMultipliers map[string]float64
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 200
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) MinScore() float64 { return e.cfg.MinScore }

// Score computes the item's velocity-based score at instant now.
//
// Base score is popularity per minute of age, with the age denominator
// clamped to one minute. Adjustment factors apply multiplicatively:
// comment-engagement bonus, approval-ratio adjustment, the static group
// multiplier, then a linear age decay past 12 hours flooring at 0.5.
func (e *Engine) Score(it storage.Item, now time.Time) (score float64, passed bool) {
	if it.Popularity <= 0 {
		return 0, false
	}

	age := now.Sub(it.CreatedAt)
	ageMinutes := age.Minutes()
	if ageMinutes < 1 {
		ageMinutes = 1
	}
	score = float64(it.Popularity) / ageMinutes

	// Comment-heavy items spread faster than raw upvotes suggest.
	if float64(it.Comments)/float64(it.Popularity) > 0.1 {
		score *= 1.10
	}

	if it.ApprovalRatio > 0.9 {
		score *= 1.05
	} else if it.ApprovalRatio < 0.7 {
		score *= 0.95
	}

	score *= e.groupMultiplier(it.Group)

	if ageHours := age.Hours(); ageHours > 12 {
		decay := 1 - (ageHours-12)/24
		if decay < 0.5 {
			decay = 0.5
		}
		score *= decay
	}

	return score, score >= e.cfg.MinScore
}

func (e *Engine) groupMultiplier(group string) float64 {
	table := e.cfg.GroupMultipliers
	if table == nil {
		table = defaultGroupMultipliers
	}
	if m, ok := table[group]; ok && m > 0 {
		return m
	}
	return 1.0
}
