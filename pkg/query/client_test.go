package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/queryfleet/queryfleet/internal/testutil"
	"github.com/queryfleet/queryfleet/pkg/auth"
)

func newTestClient(t *testing.T, mock *testutil.MockAnalytics) *Client {
	t.Helper()

	broker := &auth.StaticBroker{
		Tokens: map[auth.Scope]auth.Token{
			auth.ScopeAdmin: {Value: "admin-token", ExpiresAt: time.Now().Add(1 * time.Hour)},
			auth.ScopeData:  {Value: "data-token", ExpiresAt: time.Now().Add(1 * time.Hour)},
		},
	}
	tokens := auth.NewCache(broker, auth.NewMemoryStore(), zerolog.Nop())

	client, err := New(DefaultConfig(mock.URL(), mock.URL()), tokens)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return client
}

func TestQuery_FirstPage(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()

	mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{
		Columns: []testutil.Column{{Name: "Host", Type: "string"}, {Name: "Count", Type: "long"}},
		Pages: []testutil.Page{
			{Rows: [][]any{{"web-1", 10}, {"web-2", 3}}},
		},
	})

	client := newTestClient(t, mock)

	page, err := client.Query(context.Background(), "ws-1", "Events | summarize count() by Host")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(page.Tables) != 1 {
		t.Fatalf("Tables = %d, want 1", len(page.Tables))
	}
	if got := len(page.Tables[0].Rows); got != 2 {
		t.Errorf("Rows = %d, want 2", got)
	}
	if page.NextLink != "" {
		t.Errorf("NextLink = %q, want empty on final page", page.NextLink)
	}
}

func TestQuery_PaginationLinks(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()

	mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{
		Columns: []testutil.Column{{Name: "Value", Type: "long"}},
		Pages: []testutil.Page{
			{Rows: [][]any{{1}, {2}}},
			{Rows: [][]any{{3}}},
		},
	})

	client := newTestClient(t, mock)
	ctx := context.Background()

	first, err := client.Query(ctx, "ws-1", "Events")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if first.NextLink == "" {
		t.Fatal("Expected a continuation link on the first page")
	}

	second, err := client.NextPage(ctx, first.NextLink)
	if err != nil {
		t.Fatalf("NextPage failed: %v", err)
	}
	if second.NextLink != "" {
		t.Errorf("NextLink = %q, want empty on final page", second.NextLink)
	}
	if got := len(second.Tables[0].Rows); got != 1 {
		t.Errorf("Second page rows = %d, want 1", got)
	}
}

func TestQuery_RemoteErrorsClassified(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind Kind
	}{
		{"server error", 500, KindRemoteAPI},
		{"bad query", 400, KindQuerySyntax},
		{"auth rejected", 403, KindAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAnalytics()
			defer mock.Close()

			mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{
				StatusCode: tt.status,
				Body:       "remote says no",
			})

			client := newTestClient(t, mock)

			_, err := client.Query(context.Background(), "ws-1", "Events")
			if err == nil {
				t.Fatal("Expected error")
			}

			var qe *Error
			if !errors.As(err, &qe) {
				t.Fatalf("Expected *Error, got %T", err)
			}
			if qe.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", qe.Kind, tt.wantKind)
			}
			if qe.Details != "remote says no" {
				t.Errorf("Details = %q, want remote body", qe.Details)
			}
		})
	}
}

func TestQuery_RateLimitCarriesRetryAfter(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()

	mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{
		StatusCode: 429,
		RetryAfter: "120",
	})

	client := newTestClient(t, mock)

	_, err := client.Query(context.Background(), "ws-1", "Events")

	var qe *Error
	if !errors.As(err, &qe) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if qe.Kind != KindRateLimit {
		t.Fatalf("Kind = %s, want %s", qe.Kind, KindRateLimit)
	}
	if qe.RetryAfter != 120*time.Second {
		t.Errorf("RetryAfter = %v, want 120s", qe.RetryAfter)
	}
}

func TestListTargets(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()

	mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{})
	mock.AddTarget("ws-2", "Staging", "Platform", testutil.TargetScript{})

	client := newTestClient(t, mock)

	targets, err := client.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("Targets = %d, want 2", len(targets))
	}
	if targets[0].ID != "ws-1" || targets[0].Name != "Prod" || targets[0].Group != "Platform" {
		t.Errorf("Unexpected first target: %+v", targets[0])
	}
}

func TestQuery_AuthFailureAbortsBeforeNetwork(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()

	mock.AddTarget("ws-1", "Prod", "Platform", testutil.TargetScript{
		Columns: []testutil.Column{{Name: "V", Type: "long"}},
		Pages:   []testutil.Page{{Rows: [][]any{{1}}}},
	})

	tokens := auth.NewCache(&auth.StaticBroker{Fail: true}, auth.NewMemoryStore(), zerolog.Nop())
	client, err := New(DefaultConfig(mock.URL(), mock.URL()), tokens)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = client.Query(context.Background(), "ws-1", "Events")
	if err == nil {
		t.Fatal("Expected error")
	}

	var qe *Error
	if !errors.As(err, &qe) || qe.Kind != KindAuthentication {
		t.Errorf("Expected authentication error, got %v", err)
	}
	if mock.QueryCount["ws-1"] != 0 {
		t.Errorf("Query reached the network despite auth failure")
	}
}
