// Package jobs holds the job model, planner, concurrency limiter,
// completion bus and the id-keyed registry the UI observes.
package jobs

import (
	"time"

	"github.com/queryfleet/queryfleet/pkg/query"
)

// Status is a job's lifecycle state. Both terminal states are final.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Settings is the immutable per-job snapshot of export options. Retries
// reuse the snapshot of the original job, never the live configuration.
type Settings struct {
	OutputFolder  string
	JobName       string
	ExportCSV     bool
	ExportJSON    bool
	ParseDynamics bool
}

// DefaultSettings mirrors the configuration surface defaults.
func DefaultSettings() Settings {
	return Settings{
		OutputFolder:  "./output",
		JobName:       "query",
		ExportCSV:     true,
		ExportJSON:    false,
		ParseDynamics: true,
	}
}

// Success describes a completed job.
type Success struct {
	// RowCount is the number of rows exported.
	RowCount int

	// PageCount is the number of pages fetched.
	PageCount int

	// OutputPath is the primary output file. When both formats are
	// enabled the tabular path is reported.
	OutputPath string

	// FileSize is the total size in bytes across all written formats.
	FileSize int64
}

// Outcome is the result carried by a completion event: either Success
// or a classified error.
type Outcome struct {
	Success *Success
	Err     *query.Error
	Elapsed time.Duration
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Job is one (target, query) execution unit. Its id is assigned once at
// creation and is the only valid lookup key afterwards; the display
// list may be freely re-sorted.
type Job struct {
	// ID is assigned by the planner, monotonically, never reused.
	ID int64

	Target   query.Target
	Query    string
	Settings Settings

	// RunTimestamp is the shared run directory segment for this
	// submission batch.
	RunTimestamp string

	Status      Status
	Outcome     *Success
	Err         *query.Error
	Elapsed     time.Duration
	CompletedAt time.Time
}

// QueryPreview returns the first n characters of the query for list views.
func (j *Job) QueryPreview(n int) string {
	runes := []rune(j.Query)
	if len(runes) <= n {
		return j.Query
	}
	return string(runes[:n]) + "…"
}
