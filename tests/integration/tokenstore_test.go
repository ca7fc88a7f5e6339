package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/queryfleet/queryfleet/pkg/auth"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	// testcontainers panics (rather than returning an error) when no Docker
	// host can be discovered at all; fold that into the error path below so
	// the Docker-not-available skip still fires.
	container, err := func() (c testcontainers.Container, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// countingBroker counts how often the cache had to go to the broker.
type countingBroker struct {
	calls int
}

func (b *countingBroker) RequestToken(_ context.Context, scope auth.Scope) (auth.Token, error) {
	b.calls++
	return auth.Token{
		Value:     "tok-" + string(scope),
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}, nil
}

func TestRedisStore_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewRedisStore(redisClient)

	token := auth.Token{Value: "secret", ExpiresAt: time.Now().Add(30 * time.Minute)}
	if err := store.Set(ctx, auth.ScopeData, token); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, found, err := store.Get(ctx, auth.ScopeData)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("Expected stored token to be found")
	}
	if got.Value != token.Value {
		t.Errorf("Got token %q, want %q", got.Value, token.Value)
	}

	// The other scope must stay independent.
	if _, found, _ := store.Get(ctx, auth.ScopeAdmin); found {
		t.Error("Admin scope should have no token")
	}

	if err := store.Delete(ctx, auth.ScopeData); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, auth.ScopeData); found {
		t.Error("Deleted token should not be found")
	}
}

func TestRedisStore_ExpiredTokenNotServed(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewRedisStore(redisClient)

	// TTL is derived from the token expiry, so an almost-expired token
	// vanishes from the store on its own.
	token := auth.Token{Value: "short-lived", ExpiresAt: time.Now().Add(1 * time.Second)}
	if err := store.Set(ctx, auth.ScopeData, token); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, found, _ := store.Get(ctx, auth.ScopeData); found {
		t.Error("Expired token should have been evicted")
	}
}

func TestTokenCache_SurvivesAcrossCacheInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewRedisStore(redisClient)
	broker := &countingBroker{}

	first := auth.NewCache(broker, store, zerolog.Nop())
	if _, err := first.GetToken(ctx, auth.ScopeData); err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if broker.calls != 1 {
		t.Fatalf("Expected 1 broker call, got %d", broker.calls)
	}

	// A fresh cache, as in a new process run, reuses the stored token.
	second := auth.NewCache(broker, store, zerolog.Nop())
	if _, err := second.GetToken(ctx, auth.ScopeData); err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if broker.calls != 1 {
		t.Errorf("Expected stored token to be reused without a broker call, got %d calls", broker.calls)
	}
}
