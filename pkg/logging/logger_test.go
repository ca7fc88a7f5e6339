package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// logLine decodes one JSON log event for field assertions.
func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("Expected a log line, got none")
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("Log output is not JSON: %v (%q)", err, line)
	}
	return event
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}

	if cfg.Pretty != false {
		t.Error("Expected default pretty to be false")
	}
}

func TestSetup_JobEventCarriesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: false, Output: buf})

	// A job completion event, written with the field conventions the
	// engine uses everywhere.
	logger.Info().
		Int64("job_id", 42).
		Str("run_id", "6d5f8a1e").
		Str("target", "Production").
		Int("rows", 5).
		Int("pages", 2).
		Msg("Job completed")

	event := logLine(t, buf)
	if got := event["job_id"]; got != float64(42) {
		t.Errorf("Expected job_id 42, got %v", got)
	}
	if got := event["run_id"]; got != "6d5f8a1e" {
		t.Errorf("Expected run_id field, got %v", got)
	}
	if got := event["target"]; got != "Production" {
		t.Errorf("Expected target field, got %v", got)
	}
	if _, ok := event["time"]; !ok {
		t.Error("Expected a timestamp on every event")
	}
}

func TestSetup_RetryWarningFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelWarn, Pretty: false, Output: buf})

	logger.Warn().
		Str("target", "Production").
		Str("error_kind", "network").
		Int("attempt", 1).
		Msg("Attempt failed, retrying")

	event := logLine(t, buf)
	if got := event["level"]; got != "warn" {
		t.Errorf("Expected warn level, got %v", got)
	}
	if got := event["error_kind"]; got != "network" {
		t.Errorf("Expected error_kind field, got %v", got)
	}
	if got := event["attempt"]; got != float64(1) {
		t.Errorf("Expected attempt field, got %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel}, // config files spell it both ways
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger_ComponentField(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: false, Output: buf})

	logger := NewLogger("query-client")
	logger.Info().Str("target", "Production").Msg("Listing targets")

	event := logLine(t, buf)
	if got := event["component"]; got != "query-client" {
		t.Errorf("Expected component query-client, got %v", got)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Pretty: false, Output: buf})

	logger := NewLogger("runner")

	// Pagination progress stays below the warn threshold.
	logger.Debug().Int("pages", 3).Msg("Fetched continuation page")
	logger.Info().Int64("job_id", 7).Msg("Job completed")

	// Job failure and dropped completions surface.
	logger.Warn().Int64("job_id", 8).Msg("Completion for unknown job id, dropped")

	output := buf.String()
	if strings.Contains(output, "Fetched continuation page") {
		t.Error("Debug event should be filtered out at Warn level")
	}
	if strings.Contains(output, "Job completed") {
		t.Error("Info event should be filtered out at Warn level")
	}
	if !strings.Contains(output, "Completion for unknown job id, dropped") {
		t.Error("Warn event should be included at Warn level")
	}
}
