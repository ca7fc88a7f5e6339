// Package auth provides bearer token acquisition and caching for the
// remote analytics APIs. Token acquisition itself is delegated to a
// CredentialBroker; this package never implements an auth protocol.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Scope identifies which API audience a token is requested for.
type Scope string

const (
	// ScopeAdmin covers the management API (target listing).
	ScopeAdmin Scope = "admin"

	// ScopeData covers the query API.
	ScopeData Scope = "data"
)

// Token is a bearer token with its expiry instant.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the token expires within the given buffer.
func (t Token) ExpiresWithin(buffer time.Duration) bool {
	return !time.Now().Add(buffer).Before(t.ExpiresAt)
}

// AuthError indicates the broker could not supply a token. Total inability
// to obtain any token aborts the whole run.
type AuthError struct {
	Scope   Scope
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token acquisition failed for scope %q: %s: %v", e.Scope, e.Message, e.Err)
	}
	return fmt.Sprintf("token acquisition failed for scope %q: %s", e.Scope, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// CredentialBroker supplies a bearer token for a requested scope.
// Implementations typically lean on a locally logged-in identity.
type CredentialBroker interface {
	RequestToken(ctx context.Context, scope Scope) (Token, error)
}

// CommandBroker obtains tokens by running an external identity tool,
// one command line per scope. The command must print JSON of the form
//
//	{"accessToken": "...", "expiresOn": "2026-01-02T15:04:05Z"}
//
// on stdout, the way cloud CLI token helpers do.
type CommandBroker struct {
	// Commands maps a scope to its argv. The first element is the binary.
	Commands map[Scope][]string
}

type commandTokenOutput struct {
	AccessToken string `json:"accessToken"`
	ExpiresOn   string `json:"expiresOn"`
}

// RequestToken runs the configured command for the scope and parses its output.
func (b *CommandBroker) RequestToken(ctx context.Context, scope Scope) (Token, error) {
	argv, ok := b.Commands[scope]
	if !ok || len(argv) == 0 {
		return Token{}, &AuthError{Scope: scope, Message: "no token command configured"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return Token{}, &AuthError{Scope: scope, Message: "token command failed", Err: err}
	}

	var parsed commandTokenOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Token{}, &AuthError{Scope: scope, Message: "unparsable token command output", Err: err}
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return Token{}, &AuthError{Scope: scope, Message: "token command returned an empty token"}
	}

	expiresAt, err := parseExpiry(parsed.ExpiresOn)
	if err != nil {
		return Token{}, &AuthError{Scope: scope, Message: "unparsable token expiry", Err: err}
	}

	return Token{Value: parsed.AccessToken, ExpiresAt: expiresAt}, nil
}

// parseExpiry accepts RFC3339 or the local "2006-01-02 15:04:05" form
// emitted by some CLI token helpers.
func parseExpiry(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
}

// StaticBroker returns fixed tokens, for tests and examples.
type StaticBroker struct {
	Tokens map[Scope]Token

	// Fail forces every request to fail with an AuthError.
	Fail bool
}

// RequestToken returns the configured token for the scope.
func (b *StaticBroker) RequestToken(_ context.Context, scope Scope) (Token, error) {
	if b.Fail {
		return Token{}, &AuthError{Scope: scope, Message: "static broker configured to fail"}
	}
	tok, ok := b.Tokens[scope]
	if !ok {
		return Token{}, &AuthError{Scope: scope, Message: "no token configured"}
	}
	return tok, nil
}
