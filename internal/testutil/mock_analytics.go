// Package testutil provides testing utilities for the queryfleet engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Column mirrors the wire schema of a result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Page is one scripted result page for a target.
type Page struct {
	Rows [][]any

	// Empty makes the page respond with no tables at all, as the
	// remote API does for some continuation pages.
	Empty bool
}

// TargetScript defines the behavior of one mock target.
type TargetScript struct {
	// Columns of every page. Required when Pages is non-empty.
	Columns []Column

	// Pages returned in order; pages before the last carry a
	// continuation link.
	Pages []Page

	// StatusCode, when non-zero, makes every query fail with it.
	StatusCode int

	// Body returned alongside StatusCode.
	Body string

	// RetryAfter sets the Retry-After header on 429 responses.
	// Empty omits the header.
	RetryAfter string

	// FailuresBeforeSuccess makes the first N queries fail with
	// StatusCode, then serve Pages normally.
	FailuresBeforeSuccess int

	// Delay is applied before responding.
	Delay time.Duration
}

// MockAnalytics is a configurable mock of the remote analytics APIs:
// target listing, first-page queries and continuation-link pagination.
type MockAnalytics struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string]*TargetScript
	failures map[string]int
	targets  []map[string]string

	// RequestCount counts every request received.
	RequestCount int

	// QueryCount counts first-page query requests by target id.
	QueryCount map[string]int
}

// NewMockAnalytics creates a started mock server.
func NewMockAnalytics() *MockAnalytics {
	mock := &MockAnalytics{
		scripts:    make(map[string]*TargetScript),
		failures:   make(map[string]int),
		QueryCount: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL, usable as both query and admin endpoint.
func (m *MockAnalytics) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAnalytics) Close() {
	m.server.Close()
}

// AddTarget registers a target for listing and scripts its query behavior.
func (m *MockAnalytics) AddTarget(id, name, group string, script TargetScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[id] = &script
	m.targets = append(m.targets, map[string]string{"id": id, "name": name, "group": group})
}

func (m *MockAnalytics) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/targets" && r.Method == http.MethodGet:
		m.handleListTargets(w)
	case strings.HasPrefix(r.URL.Path, "/v1/targets/") && strings.HasSuffix(r.URL.Path, "/query"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/targets/"), "/query")
		m.handleQuery(w, r, id, 0)
	case strings.HasPrefix(r.URL.Path, "/v1/pages/"):
		// Continuation link: /v1/pages/{target}/{pageIndex}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/pages/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		pageIdx, err := strconv.Atoi(parts[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		m.handleQuery(w, r, parts[0], pageIdx)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockAnalytics) handleListTargets(w http.ResponseWriter) {
	m.mu.Lock()
	targets := make([]map[string]string, len(m.targets))
	copy(targets, m.targets)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"value": targets})
}

func (m *MockAnalytics) handleQuery(w http.ResponseWriter, r *http.Request, id string, pageIdx int) {
	m.mu.Lock()
	script, ok := m.scripts[id]
	if ok && pageIdx == 0 {
		m.QueryCount[id]++
	}
	var failed bool
	if ok && script.FailuresBeforeSuccess > 0 && m.failures[id] < script.FailuresBeforeSuccess {
		m.failures[id]++
		failed = true
	}
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if script.Delay > 0 {
		time.Sleep(script.Delay)
	}

	if failed || (script.StatusCode != 0 && script.FailuresBeforeSuccess == 0) {
		if script.StatusCode == http.StatusTooManyRequests && script.RetryAfter != "" {
			w.Header().Set("Retry-After", script.RetryAfter)
		}
		w.WriteHeader(script.StatusCode)
		fmt.Fprint(w, script.Body)
		return
	}

	if pageIdx >= len(script.Pages) {
		http.NotFound(w, r)
		return
	}

	tables := []map[string]any{}
	if !script.Pages[pageIdx].Empty {
		tables = append(tables, map[string]any{
			"name":    "PrimaryResult",
			"columns": script.Columns,
			"rows":    script.Pages[pageIdx].Rows,
		})
	}
	page := map[string]any{"tables": tables}
	if pageIdx < len(script.Pages)-1 {
		page["nextLink"] = fmt.Sprintf("%s/v1/pages/%s/%d", m.server.URL, id, pageIdx+1)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}
