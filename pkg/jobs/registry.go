package jobs

import (
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var jobsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queryfleet_jobs_total",
	Help: "Jobs reaching a terminal status",
}, []string{"status"})

// Registry is the UI-observable store of job state. Jobs are looked up
// and mutated strictly by identity, never by list position: the display
// order may be re-sorted at any time between a job's creation and its
// completion.
//
// The registry is mutated only by the single consumer of the Bus, so it
// carries no internal locking.
type Registry struct {
	jobs    []*Job
	planner *Planner
	logger  zerolog.Logger
}

// NewRegistry creates a registry sharing the planner's id space for
// retries.
func NewRegistry(planner *Planner, logger zerolog.Logger) *Registry {
	return &Registry{planner: planner, logger: logger}
}

// Add registers planned jobs.
func (r *Registry) Add(planned ...*Job) {
	r.jobs = append(r.jobs, planned...)
}

// Jobs returns the display list in its current order.
func (r *Registry) Jobs() []*Job {
	return r.jobs
}

// Get finds a job by id.
func (r *Registry) Get(id int64) (*Job, bool) {
	for _, job := range r.jobs {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// ApplyEvent routes a bus event into the registry.
func (r *Registry) ApplyEvent(event Event) {
	switch event.Kind {
	case EventStarted:
		r.markRunning(event.JobID)
	case EventDone:
		r.Apply(event.JobID, event.Outcome)
	}
}

// markRunning moves a queued job to Running. Terminal jobs never move.
func (r *Registry) markRunning(id int64) {
	job, ok := r.Get(id)
	if !ok {
		r.logger.Warn().Int64("job_id", id).Msg("Started event for unknown job id, dropped")
		return
	}
	if job.Status.Terminal() {
		return
	}
	job.Status = StatusRunning
}

// Apply records a job's terminal outcome, found by identity scan. An
// unknown id is a logged no-op; a terminal job never regresses or
// changes outcome.
func (r *Registry) Apply(id int64, outcome Outcome) {
	job, ok := r.Get(id)
	if !ok {
		r.logger.Warn().Int64("job_id", id).Msg("Completion for unknown job id, dropped")
		return
	}
	if job.Status.Terminal() {
		r.logger.Warn().
			Int64("job_id", id).
			Str("status", string(job.Status)).
			Msg("Completion for already-terminal job, dropped")
		return
	}

	job.Elapsed = outcome.Elapsed
	job.CompletedAt = time.Now()
	if outcome.Failed() {
		job.Status = StatusFailed
		job.Err = outcome.Err
	} else {
		job.Status = StatusCompleted
		job.Outcome = outcome.Success
	}
	jobsByStatus.WithLabelValues(string(job.Status)).Inc()
}

// SortByCompletion re-sorts the display list by completion time,
// incomplete jobs last in submission order. Sorting never changes
// identity and never invalidates pending completions.
func (r *Registry) SortByCompletion() {
	sort.SliceStable(r.jobs, func(i, j int) bool {
		a, b := r.jobs[i], r.jobs[j]
		switch {
		case a.Status.Terminal() && b.Status.Terminal():
			return a.CompletedAt.Before(b.CompletedAt)
		case a.Status.Terminal():
			return true
		case b.Status.Terminal():
			return false
		default:
			return a.ID < b.ID
		}
	})
}

// PruneTerminal removes completed and failed jobs. Queued and running
// jobs always survive; jobs are never deleted individually.
func (r *Registry) PruneTerminal() int {
	kept := r.jobs[:0]
	removed := 0
	for _, job := range r.jobs {
		if job.Status.Terminal() {
			removed++
			continue
		}
		kept = append(kept, job)
	}
	r.jobs = kept
	return removed
}

// NewRetry creates a brand-new Queued job from the failed (or completed)
// job's snapshot and registers it. The original is left untouched,
// preserving history. Non-retryable failures are refused with an
// explanatory error instead of silently failing again.
func (r *Registry) NewRetry(id int64) (*Job, error) {
	original, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("no job with id %d", id)
	}
	if !original.Status.Terminal() {
		return nil, fmt.Errorf("job %d is still %s", id, original.Status)
	}
	if original.Err != nil && !original.Err.Retryable() {
		return nil, fmt.Errorf("job %d failed with %s: fix the query before retrying", id, original.Err.ShortLabel())
	}

	retry := r.planner.Replan(original)
	r.Add(retry)
	return retry, nil
}

// Summary counts jobs by status for progress reporting.
func (r *Registry) Summary() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}
