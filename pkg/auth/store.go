package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the most recent token per scope. The in-memory store is
// the default; the Redis store keeps tokens across process runs so short
// lived batch invocations do not hammer the identity tool.
type Store interface {
	Get(ctx context.Context, scope Scope) (Token, bool, error)
	Set(ctx context.Context, scope Scope, token Token) error
	Delete(ctx context.Context, scope Scope) error
}

// MemoryStore keeps tokens in a map. Callers (the Cache) serialize access.
type MemoryStore struct {
	tokens map[Scope]Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[Scope]Token)}
}

// Get returns the stored token for the scope, if any.
func (s *MemoryStore) Get(_ context.Context, scope Scope) (Token, bool, error) {
	tok, ok := s.tokens[scope]
	return tok, ok, nil
}

// Set replaces the stored token for the scope wholesale.
func (s *MemoryStore) Set(_ context.Context, scope Scope, token Token) error {
	s.tokens[scope] = token
	return nil
}

// Delete removes the stored token for the scope.
func (s *MemoryStore) Delete(_ context.Context, scope Scope) error {
	delete(s.tokens, scope)
	return nil
}

// RedisStore persists tokens in Redis, keyed by scope, with a TTL equal
// to the token's remaining lifetime so expired tokens evict themselves.
type RedisStore struct {
	redis     *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:     redisClient,
		keyPrefix: "queryfleet:token:",
	}
}

func (s *RedisStore) key(scope Scope) string {
	return s.keyPrefix + string(scope)
}

// Get returns the stored token for the scope, if present and unexpired.
func (s *RedisStore) Get(ctx context.Context, scope Scope) (Token, bool, error) {
	data, err := s.redis.Get(ctx, s.key(scope)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("redis get: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, false, fmt.Errorf("unmarshal token: %w", err)
	}

	return tok, true, nil
}

// Set stores the token with a TTL matching its remaining lifetime.
func (s *RedisStore) Set(ctx context.Context, scope Scope, token Token) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		// Already expired, don't persist.
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes the stored token for the scope.
func (s *RedisStore) Delete(ctx context.Context, scope Scope) error {
	if err := s.redis.Del(ctx, s.key(scope)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
