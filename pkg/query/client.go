// Package query provides the HTTP client for the remote analytics APIs,
// with bearer token injection and boundary error classification.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/queryfleet/queryfleet/pkg/auth"
	"github.com/queryfleet/queryfleet/pkg/logging"
)

// Prometheus metrics for query client operations.
var (
	queryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_requests_total",
		Help: "Total remote requests by operation and status",
	}, []string{"operation", "status"})

	queryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queryfleet_request_duration_seconds",
		Help:    "Remote request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	queryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_errors_total",
		Help: "Total classified errors by kind",
	}, []string{"kind"})
)

// Config holds the query client configuration.
type Config struct {
	// BaseURL of the query API, e.g. "https://api.example.com".
	BaseURL string

	// AdminURL of the management API used for target listing.
	AdminURL string

	// Timeout applied to each HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration for the given endpoints.
func DefaultConfig(baseURL, adminURL string) Config {
	return Config{
		BaseURL:  baseURL,
		AdminURL: adminURL,
		Timeout:  30 * time.Second,
	}
}

// Client issues queries and paginated follow-ups against the remote
// analytic endpoint. All failures leave Do/Query classified as *Error.
type Client struct {
	httpClient *http.Client
	tokens     *auth.Cache
	config     Config
	logger     zerolog.Logger
}

// New creates a query client.
func New(cfg Config, tokens *auth.Cache) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token cache is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		config:     cfg,
		logger:     logging.NewLogger("query-client"),
	}, nil
}

// Timeout returns the configured per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Query runs queryText against one target and returns the first page.
func (c *Client) Query(ctx context.Context, targetID, queryText string) (*Response, error) {
	url := fmt.Sprintf("%s/v1/targets/%s/query", c.config.BaseURL, targetID)

	body, err := json.Marshal(queryRequest{Query: queryText})
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "encode query request", Target: targetID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "create query request", Target: targetID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, "query", auth.ScopeData, targetID)
}

// NextPage fetches the next result page from a continuation link
// returned by a previous page.
func (c *Client) NextPage(ctx context.Context, nextLink string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextLink, nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "create pagination request", Err: err}
	}

	return c.do(req, "next_page", auth.ScopeData, "")
}

// ListTargets returns all targets visible to the admin scope.
func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	adminURL := c.config.AdminURL
	if adminURL == "" {
		adminURL = c.config.BaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, adminURL+"/v1/targets", nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "create target list request", Err: err}
	}

	token, err := c.tokens.GetToken(ctx, auth.ScopeAdmin)
	if err != nil {
		return nil, Classify(err, "", c.config.Timeout)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	queryRequestDuration.WithLabelValues("list_targets").Observe(time.Since(start).Seconds())
	if err != nil {
		queryRequestsTotal.WithLabelValues("list_targets", "network_error").Inc()
		return nil, Classify(err, "", c.config.Timeout)
	}
	defer resp.Body.Close()

	queryRequestsTotal.WithLabelValues("list_targets", fmt.Sprintf("%d", resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		classified := classifyStatus(resp, string(raw), "")
		queryErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
		return nil, classified
	}

	var list targetListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &Error{Kind: KindOther, Message: "decode target list", Err: err}
	}

	c.logger.Info().Int("targets", len(list.Value)).Msg("Targets listed")
	return list.Value, nil
}

// do executes one request with token injection and classifies any failure.
func (c *Client) do(req *http.Request, operation string, scope auth.Scope, target string) (*Response, error) {
	token, err := c.tokens.GetToken(req.Context(), scope)
	if err != nil {
		classified := Classify(err, target, c.config.Timeout)
		queryErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
		return nil, classified
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	queryRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		queryRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		classified := Classify(err, target, c.config.Timeout)
		queryErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
		c.logger.Warn().
			Err(err).
			Str("operation", operation).
			Str("target", target).
			Str("error_kind", string(classified.Kind)).
			Msg("Request failed")
		return nil, classified
	}
	defer resp.Body.Close()

	queryRequestsTotal.WithLabelValues(operation, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		classified := classifyStatus(resp, string(raw), target)
		queryErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
		c.logger.Warn().
			Str("operation", operation).
			Str("target", target).
			Int("status", resp.StatusCode).
			Str("error_kind", string(classified.Kind)).
			Msg("Remote error")
		return nil, classified
	}

	var page Response
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		classified := &Error{Kind: KindOther, Message: "decode query response", Target: target, Err: err}
		queryErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
		return nil, classified
	}

	return &page, nil
}
