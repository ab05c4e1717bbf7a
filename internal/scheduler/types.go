package scheduler

import "time"

// Config controls the job scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local time
}

// JobCounters track one job's lifetime totals. They only ever increase.
type JobCounters struct {
	Runs      uint64
	Successes uint64
	Failures  uint64
	Skipped   uint64
}

// JobInfo is one job's entry in a Snapshot.
type JobInfo struct {
	Name   string
	Spec   string
	Grace  time.Duration
	Paused bool

	// Running reports an execution in flight at snapshot time.
	Running bool

	Next time.Time
	Prev time.Time

	LastStart    time.Time
	LastDuration time.Duration
	LastError    string

	Counters JobCounters
}

// Snapshot is a point-in-time view of the scheduler for diagnostics.
type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []JobInfo
}

// SkipEvent is the payload of a "job.skipped" bus event: a pending trigger
// aged past its misfire grace before the job's runner could pick it up.
type SkipEvent struct {
	Job     string        `json:"job"`
	FiredAt time.Time     `json:"fired_at"`
	Age     time.Duration `json:"age"`
	Grace   time.Duration `json:"grace"`
}
