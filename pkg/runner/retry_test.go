package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryfleet/queryfleet/pkg/query"
)

// recordingSleeper captures backoff waits instead of sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) sleep(d time.Duration) {
	s.waits = append(s.waits, d)
}

func testPolicy(retryCount int, sleeper *recordingSleeper) RetryPolicy {
	return RetryPolicy{
		RetryCount: retryCount,
		Deadline:   5 * time.Second,
		sleep:      sleeper.sleep,
	}
}

func TestExecuteWithRetry_ImmediateSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, qerr := executeWithRetry(context.Background(), testPolicy(2, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return &query.Response{}, nil
		})

	require.Nil(t, qerr)
	assert.NotNil(t, resp)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.waits)
}

func TestExecuteWithRetry_BacksOffThenSucceeds(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, qerr := executeWithRetry(context.Background(), testPolicy(2, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			if calls < 3 {
				return nil, &query.Error{Kind: query.KindNetwork, Message: "conn reset"}
			}
			return &query.Response{}, nil
		})

	require.Nil(t, qerr)
	assert.NotNil(t, resp)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_ExhaustsAttempts(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, qerr := executeWithRetry(context.Background(), testPolicy(2, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return nil, &query.Error{Kind: query.KindNetwork, Message: "conn reset"}
		})

	require.NotNil(t, qerr)
	assert.Equal(t, query.KindNetwork, qerr.Kind)
	assert.Equal(t, 3, calls, "retry count 2 means exactly 3 attempts")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_RateLimitShortCircuits(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, qerr := executeWithRetry(context.Background(), testPolicy(5, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return nil, &query.Error{Kind: query.KindRateLimit, RetryAfter: 120 * time.Second}
		})

	require.NotNil(t, qerr)
	assert.Equal(t, query.KindRateLimit, qerr.Kind)
	assert.Equal(t, 120*time.Second, qerr.RetryAfter)
	assert.Equal(t, 1, calls, "throttling must stop the attempt loop")
	assert.Empty(t, sleeper.waits)
}

func TestExecuteWithRetry_NonRetryableErrorsStillExhaustAttempts(t *testing.T) {
	// Retryability gates resubmitting a finished job, not the attempt
	// loop: only rate limiting stops the loop early.
	sleeper := &recordingSleeper{}
	calls := 0

	_, qerr := executeWithRetry(context.Background(), testPolicy(2, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return nil, &query.Error{Kind: query.KindQuerySyntax, Message: "bad column"}
		})

	require.NotNil(t, qerr)
	assert.Equal(t, query.KindQuerySyntax, qerr.Kind)
	assert.Equal(t, 3, calls, "retry count 2 means exactly 3 attempts")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_TimeoutIsRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, qerr := executeWithRetry(context.Background(), testPolicy(1, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return nil, context.DeadlineExceeded
		})

	require.NotNil(t, qerr)
	assert.Equal(t, query.KindTimeout, qerr.Kind)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{1 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_ZeroRetriesMeansOneAttempt(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, qerr := executeWithRetry(context.Background(), testPolicy(0, sleeper), zerolog.Nop(), "ws-a",
		func(ctx context.Context) (*query.Response, error) {
			calls++
			return nil, &query.Error{Kind: query.KindNetwork}
		})

	require.NotNil(t, qerr)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.waits)
}
