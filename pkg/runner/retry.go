// Package runner executes planned jobs: it acquires permits, fetches
// query results with retry, streams pages into the export writers and
// publishes lifecycle events on the completion bus.
package runner

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/queryfleet/queryfleet/pkg/query"
)

var retryAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queryfleet_retry_attempts_total",
		Help: "Query attempts beyond the first, by error kind that triggered them",
	},
	[]string{"kind"},
)

// Sleeper blocks for the given duration. Tests inject a recording
// implementation so backoff schedules can be asserted without waiting.
type Sleeper func(time.Duration)

// RetryPolicy controls the initial-query retry loop. RetryCount is the
// number of retries after the first attempt, so RetryCount zero means
// exactly one attempt. Deadline bounds each attempt individually.
type RetryPolicy struct {
	RetryCount int
	Deadline   time.Duration

	sleep Sleeper
}

func (p RetryPolicy) attempts() int {
	if p.RetryCount < 0 {
		return 1
	}
	return p.RetryCount + 1
}

func (p RetryPolicy) sleeper() Sleeper {
	if p.sleep != nil {
		return p.sleep
	}
	return time.Sleep
}

// backoff is 2^(attempt-1) seconds after the attempt numbered attempt
// fails: 1s after the first, 2s after the second, and so on.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// executeWithRetry runs fn up to RetryCount+1 times. A rate-limit
// response is the only failure that short-circuits the loop, carrying
// the server's Retry-After. Every other failure is recorded and the
// loop continues with exponential backoff; retryability only gates
// resubmitting a finished job, not the attempts within one. The error
// of the last attempt is returned.
func executeWithRetry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, target string, fn func(context.Context) (*query.Response, error)) (*query.Response, *query.Error) {
	var last *query.Error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Deadline)
		resp, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return resp, nil
		}

		qerr := query.Classify(err, target, policy.Deadline)
		last = qerr

		if qerr.Kind == query.KindRateLimit {
			logger.Warn().
				Str("target", target).
				Dur("retry_after", qerr.RetryAfter).
				Msg("Rate limited, not retrying")
			return nil, qerr
		}
		if attempt == policy.attempts() {
			break
		}

		wait := backoff(attempt)
		logger.Warn().
			Str("target", target).
			Str("error_kind", string(qerr.Kind)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Attempt failed, retrying")
		retryAttempts.WithLabelValues(string(qerr.Kind)).Inc()
		policy.sleeper()(wait)
	}
	return nil, last
}
