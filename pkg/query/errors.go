package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/queryfleet/queryfleet/pkg/auth"
)

// Kind is the closed classification of query failures. Raw transport and
// remote errors are mapped into it exactly once, at the client boundary.
type Kind string

const (
	// KindTimeout covers a local deadline exceeded or a remote 504.
	KindTimeout Kind = "timeout"

	// KindAuthentication covers credential failures and remote 401/403.
	KindAuthentication Kind = "authentication"

	// KindQuerySyntax covers remote 400 responses: the query itself is bad.
	KindQuerySyntax Kind = "query_syntax"

	// KindNetwork covers transport-level failures.
	KindNetwork Kind = "network"

	// KindRateLimit covers remote 429 responses. The retry executor
	// intercepts these before ordinary retry handling.
	KindRateLimit Kind = "rate_limit"

	// KindRemoteAPI covers any other non-2xx response.
	KindRemoteAPI Kind = "remote_api"

	// KindOther covers everything unclassified.
	KindOther Kind = "other"
)

// DefaultRetryAfter is used when a 429 carries no parsable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// Error is a classified query failure.
type Error struct {
	Kind    Kind
	Message string

	// Details carries the remote response body for detail views.
	Details string

	// Status is the HTTP status for remote errors, 0 otherwise.
	Status int

	// Target names the data source the failure occurred on.
	Target string

	// Duration is the elapsed deadline for timeout errors.
	Duration time.Duration

	// RetryAfter is the server-requested pause for rate limit errors.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface with the full description used in
// detail views.
func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("query timed out after %s on target %q", e.Duration, e.Target)
	case KindRateLimit:
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	case KindRemoteAPI:
		return fmt.Sprintf("remote API error (status %d): %s", e.Status, e.Message)
	default:
		if e.Status > 0 {
			return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
		}
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ShortLabel is the terse form used in list views.
func (e *Error) ShortLabel() string {
	switch e.Kind {
	case KindTimeout:
		return "TIMEOUT"
	case KindAuthentication:
		return "AUTH"
	case KindQuerySyntax:
		return "SYNTAX"
	case KindNetwork:
		return "NETWORK"
	case KindRateLimit:
		return "RATE LIMIT"
	case KindRemoteAPI:
		return fmt.Sprintf("HTTP %d", e.Status)
	default:
		return "ERROR"
	}
}

// Retryable reports whether resubmitting the same job may succeed.
// Retry tooling must refuse to resubmit non-retryable failures.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindAuthentication, KindNetwork, KindRateLimit:
		return true
	case KindRemoteAPI:
		return e.Status >= 500
	default:
		return false
	}
}

// Classify maps a raw error from a query attempt into the closed taxonomy.
// Remote HTTP statuses go through classifyStatus; everything here handles
// local failures.
func Classify(err error, target string, deadline time.Duration) *Error {
	var qe *Error
	if errors.As(err, &qe) {
		// Already classified at the boundary.
		return qe
	}

	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return &Error{Kind: KindAuthentication, Message: authErr.Error(), Target: target, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Target: target, Duration: deadline, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Target: target, Duration: deadline, Err: err}
		}
		return &Error{Kind: KindNetwork, Message: netErr.Error(), Target: target, Err: err}
	}

	return &Error{Kind: KindOther, Message: err.Error(), Target: target, Err: err}
}

// classifyStatus maps a non-2xx remote response into the taxonomy.
func classifyStatus(resp *http.Response, body string, target string) *Error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimit,
			Message:    "rate limit exceeded",
			Details:    body,
			Status:     status,
			Target:     target,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Message: "remote gateway timeout", Details: body, Status: status, Target: target}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthentication, Message: "request rejected by remote auth", Details: body, Status: status, Target: target}
	case status == http.StatusBadRequest:
		return &Error{Kind: KindQuerySyntax, Message: "query rejected", Details: body, Status: status, Target: target}
	default:
		return &Error{Kind: KindRemoteAPI, Message: summarizeBody(body), Details: body, Status: status, Target: target}
	}
}

// parseRetryAfter reads a Retry-After value in seconds, falling back to
// DefaultRetryAfter when absent or unparsable.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return DefaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func summarizeBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "no response body"
	}
	if len(body) > 200 {
		return body[:200]
	}
	return body
}

// Reclassify reconstructs an Error from an already-stringified message,
// for loading persisted job records whose structured error was lost.
// Classification at the origin is always preferred; this substring
// heuristic exists only for that recovery path.
func Reclassify(message string) *Error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return &Error{Kind: KindTimeout, Message: message}
	case strings.Contains(lower, "rate limit"):
		return &Error{Kind: KindRateLimit, Message: message, RetryAfter: DefaultRetryAfter}
	case strings.Contains(lower, "auth") || strings.Contains(lower, "token"):
		return &Error{Kind: KindAuthentication, Message: message}
	case strings.Contains(lower, "syntax") || strings.Contains(lower, "query rejected") || strings.Contains(lower, "semantic"):
		return &Error{Kind: KindQuerySyntax, Message: message}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		return &Error{Kind: KindNetwork, Message: message}
	default:
		return &Error{Kind: KindOther, Message: message}
	}
}
