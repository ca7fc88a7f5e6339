package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/queryfleet/queryfleet/internal/testutil"
	"github.com/queryfleet/queryfleet/pkg/auth"
	"github.com/queryfleet/queryfleet/pkg/config"
	"github.com/queryfleet/queryfleet/pkg/query"
)

func TestNewBroker_AppendsScope(t *testing.T) {
	cfg := &config.Config{
		Auth: &config.AuthBlock{TokenCommand: []string{"broker", "token", "--scope"}},
	}

	broker := newBroker(cfg)

	admin, ok := broker.Commands[auth.ScopeAdmin]
	if !ok {
		t.Fatal("expected a command for the admin scope")
	}
	if got := admin[len(admin)-1]; got != string(auth.ScopeAdmin) {
		t.Errorf("admin command ends with %q, want %q", got, auth.ScopeAdmin)
	}

	data, ok := broker.Commands[auth.ScopeData]
	if !ok {
		t.Fatal("expected a command for the data scope")
	}
	if got := data[len(data)-1]; got != string(auth.ScopeData) {
		t.Errorf("data command ends with %q, want %q", got, auth.ScopeData)
	}
}

func TestNewTokenStore_DefaultsToMemory(t *testing.T) {
	cfg := &config.Config{Auth: &config.AuthBlock{TokenCommand: []string{"broker"}}}

	store := newTokenStore(context.Background(), cfg, zerolog.Nop())
	if _, ok := store.(*auth.MemoryStore); !ok {
		t.Errorf("expected a memory store, got %T", store)
	}
}

func TestResolveTargets_PrefersConfigured(t *testing.T) {
	cfg := &config.Config{
		Targets: []config.TargetBlock{{ID: "ws-a", Name: "Alpha", Group: "prod"}},
	}

	targets, err := resolveTargets(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("resolveTargets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].ID != "ws-a" || targets[0].Group != "prod" {
		t.Errorf("unexpected targets: %+v", targets)
	}
}

func TestResolveTargets_DiscoversWhenUnconfigured(t *testing.T) {
	mock := testutil.NewMockAnalytics()
	defer mock.Close()
	mock.AddTarget("ws-a", "Alpha", "prod", testutil.TargetScript{})

	broker := &auth.StaticBroker{
		Tokens: map[auth.Scope]auth.Token{
			auth.ScopeAdmin: {Value: "admin-token", ExpiresAt: time.Now().Add(1 * time.Hour)},
			auth.ScopeData:  {Value: "data-token", ExpiresAt: time.Now().Add(1 * time.Hour)},
		},
	}
	tokens := auth.NewCache(broker, auth.NewMemoryStore(), zerolog.Nop())
	client, err := query.New(query.DefaultConfig(mock.URL(), mock.URL()), tokens)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	targets, err := resolveTargets(context.Background(), &config.Config{}, client)
	if err != nil {
		t.Fatalf("resolveTargets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "Alpha" {
		t.Errorf("unexpected targets: %+v", targets)
	}
}
