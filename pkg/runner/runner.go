package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/queryfleet/queryfleet/pkg/export"
	"github.com/queryfleet/queryfleet/pkg/jobs"
	"github.com/queryfleet/queryfleet/pkg/query"
)

var jobDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "queryfleet_job_duration_seconds",
		Help:    "Wall-clock duration of job execution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	},
	[]string{"status"},
)

// Runner executes jobs against a query client. It never mutates the
// registry itself: every lifecycle change is published on the bus and
// applied by the single bus consumer.
type Runner struct {
	client     *query.Client
	registry   *jobs.Registry
	planner    *jobs.Planner
	bus        *jobs.Bus
	limiter    *jobs.Limiter
	policy     RetryPolicy
	pageBuffer int
	logger     zerolog.Logger
}

// Options tunes the runner. Zero values fall back to defaults.
type Options struct {
	// RetryCount is the number of retries after the first attempt.
	RetryCount int

	// QueryTimeout bounds each individual request.
	QueryTimeout time.Duration

	// ConcurrencyLimit caps jobs holding a permit at once.
	ConcurrencyLimit int64

	// PageBuffer is the number of pages writers buffer before flushing.
	PageBuffer int

	Logger zerolog.Logger
}

func New(client *query.Client, opts Options) *Runner {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = client.Timeout()
	}
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = jobs.DefaultConcurrencyLimit
	}
	if opts.PageBuffer <= 0 {
		opts.PageBuffer = export.DefaultPageBuffer
	}

	planner := jobs.NewPlanner()
	return &Runner{
		client:     client,
		registry:   jobs.NewRegistry(planner, opts.Logger),
		planner:    planner,
		bus:        jobs.NewBus(0),
		limiter:    jobs.NewLimiter(opts.ConcurrencyLimit),
		policy:     RetryPolicy{RetryCount: opts.RetryCount, Deadline: opts.QueryTimeout},
		pageBuffer: opts.PageBuffer,
		logger:     opts.Logger,
	}
}

// Registry exposes the job registry for observation. Callers must apply
// bus events themselves when using Submit directly.
func (r *Runner) Registry() *jobs.Registry {
	return r.registry
}

// Bus exposes the completion bus for the single consumer.
func (r *Runner) Bus() *jobs.Bus {
	return r.bus
}

// Plan expands targets and queries into registered jobs without
// starting them.
func (r *Runner) Plan(targets []query.Target, queries []string, settings jobs.Settings) []*jobs.Job {
	planned := r.planner.Plan(targets, queries, settings)
	r.registry.Add(planned...)
	return planned
}

// Submit starts one goroutine per job. Each goroutine waits for a
// permit, runs the job and emits Started and exactly one Done event,
// whichever path it exits through.
func (r *Runner) Submit(ctx context.Context, planned ...*jobs.Job) {
	for _, job := range planned {
		job := job
		go func() {
			if err := r.limiter.Acquire(ctx); err != nil {
				r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventDone, Outcome: jobs.Outcome{
					Err: query.Classify(err, job.Target.Name, r.policy.Deadline),
				}})
				return
			}
			defer r.limiter.Release()

			r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventStarted})
			r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventDone, Outcome: r.execute(ctx, job)})
		}()
	}
}

// Retry plans a fresh job from a terminal one and starts it.
func (r *Runner) Retry(ctx context.Context, id int64) (*jobs.Job, error) {
	job, err := r.registry.NewRetry(id)
	if err != nil {
		return nil, err
	}
	r.Submit(ctx, job)
	return job, nil
}

// Summary aggregates a finished batch.
type Summary struct {
	RunID     string
	Total     int
	Completed int
	Failed    int
	Elapsed   time.Duration
}

// RunBatch plans, executes and waits for the full cross product of
// targets and queries. The calling goroutine is the sole bus consumer.
// Individual job failures are recorded in the registry and counted in
// the summary; they never fail the batch itself.
func (r *Runner) RunBatch(ctx context.Context, targets []query.Target, queries []string, settings jobs.Settings) (*Summary, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets to run against")
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries to run")
	}

	runID := uuid.NewString()
	started := time.Now()
	planned := r.Plan(targets, queries, settings)

	logger := r.logger.With().Str("run_id", runID).Logger()
	logger.Info().
		Int("jobs", len(planned)).
		Int("targets", len(targets)).
		Int("queries", len(queries)).
		Msg("Batch started")

	var group errgroup.Group
	for _, job := range planned {
		job := job
		group.Go(func() error {
			if err := r.limiter.Acquire(ctx); err != nil {
				r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventDone, Outcome: jobs.Outcome{
					Err: query.Classify(err, job.Target.Name, r.policy.Deadline),
				}})
				return nil
			}
			defer r.limiter.Release()

			r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventStarted})
			r.bus.Emit(jobs.Event{JobID: job.ID, Kind: jobs.EventDone, Outcome: r.execute(ctx, job)})
			return nil
		})
	}

	done := 0
	for event := range r.bus.Events() {
		r.registry.ApplyEvent(event)
		if event.Kind == jobs.EventDone {
			done++
			if done == len(planned) {
				break
			}
		}
	}
	_ = group.Wait()

	counts := r.registry.Summary()
	summary := &Summary{
		RunID:     runID,
		Total:     len(planned),
		Completed: counts[jobs.StatusCompleted],
		Failed:    counts[jobs.StatusFailed],
		Elapsed:   time.Since(started),
	}
	logger.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Batch finished")
	return summary, nil
}

// execute runs one job end to end and returns its outcome. The result
// set is fetched once and streamed into every enabled writer.
func (r *Runner) execute(ctx context.Context, job *jobs.Job) jobs.Outcome {
	started := time.Now()
	outcome := r.run(ctx, job)
	outcome.Elapsed = time.Since(started)

	status := jobs.StatusCompleted
	if outcome.Failed() {
		status = jobs.StatusFailed
	}
	jobDuration.WithLabelValues(string(status)).Observe(outcome.Elapsed.Seconds())
	return outcome
}

func (r *Runner) run(ctx context.Context, job *jobs.Job) jobs.Outcome {
	logger := r.logger.With().
		Int64("job_id", job.ID).
		Str("target", job.Target.Name).
		Logger()

	dir := export.OutputDir(
		job.Settings.OutputFolder,
		export.NormalizeName(job.Target.Group),
		export.NormalizeName(job.Target.Name),
		job.RunTimestamp,
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return jobs.Outcome{Err: &query.Error{
			Kind:    query.KindOther,
			Message: fmt.Sprintf("creating output directory: %v", err),
			Target:  job.Target.Name,
			Err:     err,
		}}
	}

	base := export.NormalizeName(job.Settings.JobName)
	var writers []export.StreamWriter
	var tabularPath string
	fail := func(qerr *query.Error) jobs.Outcome {
		for _, w := range writers {
			if cerr := w.Cleanup(); cerr != nil {
				logger.Warn().Err(cerr).Str("path", w.Path()).Msg("Cleanup after failure")
			}
		}
		return jobs.Outcome{Err: qerr}
	}

	if job.Settings.ExportCSV {
		w, err := export.NewCSVWriter(filepath.Join(dir, base+".csv"), r.pageBuffer)
		if err != nil {
			return fail(query.Classify(err, job.Target.Name, r.policy.Deadline))
		}
		writers = append(writers, w)
		tabularPath = w.Path()
	}
	if job.Settings.ExportJSON {
		w, err := export.NewJSONWriter(filepath.Join(dir, base+".json"), r.pageBuffer, job.Settings.ParseDynamics, export.Metadata{
			Target:    job.Target.Name,
			TargetID:  job.Target.ID,
			Group:     job.Target.Group,
			Timestamp: job.RunTimestamp,
			Query:     job.Query,
		})
		if err != nil {
			return fail(query.Classify(err, job.Target.Name, r.policy.Deadline))
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		return jobs.Outcome{Err: &query.Error{
			Kind:    query.KindOther,
			Message: "no export format enabled",
			Target:  job.Target.Name,
		}}
	}

	resp, qerr := executeWithRetry(ctx, r.policy, logger, job.Target.Name, func(ctx context.Context) (*query.Response, error) {
		return r.client.Query(ctx, job.Target.ID, job.Query)
	})
	if qerr != nil {
		return fail(qerr)
	}

	pages := 0
	firstPage := true
	for {
		switch {
		case len(resp.Tables) > 0:
			table := &resp.Tables[0]
			for _, w := range writers {
				if err := w.WritePage(table); err != nil {
					return fail(query.Classify(err, job.Target.Name, r.policy.Deadline))
				}
			}
			pages++
		case firstPage:
			// Only the first page must carry a table.
			return fail(&query.Error{
				Kind:    query.KindRemoteAPI,
				Message: "response contained no tables",
				Target:  job.Target.Name,
			})
		default:
			// Empty continuation pages are skipped; the rows already
			// streamed stay valid and the walk continues.
			logger.Debug().Int("pages", pages).Msg("Skipping empty continuation page")
		}
		firstPage = false

		if resp.NextLink == "" {
			break
		}

		// Continuation fetches are never retried: a mid-stream failure
		// aborts the job so partial results are never finalized.
		pageCtx, cancel := context.WithTimeout(ctx, r.policy.Deadline)
		next, err := r.client.NextPage(pageCtx, resp.NextLink)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Int("pages", pages).Msg("Pagination aborted")
			return fail(query.Classify(err, job.Target.Name, r.policy.Deadline))
		}
		resp = next
	}

	var rows int
	var totalSize int64
	outputPath := tabularPath
	for _, w := range writers {
		wrote, _, err := w.Finalize()
		if err != nil {
			return fail(query.Classify(err, job.Target.Name, r.policy.Deadline))
		}
		rows = wrote
		if outputPath == "" {
			outputPath = w.Path()
		}
		if info, err := os.Stat(w.Path()); err == nil {
			totalSize += info.Size()
		}
	}

	logger.Info().
		Int("rows", rows).
		Int("pages", pages).
		Str("path", outputPath).
		Msg("Job completed")
	return jobs.Outcome{Success: &jobs.Success{
		RowCount:   rows,
		PageCount:  pages,
		OutputPath: outputPath,
		FileSize:   totalSize,
	}}
}
