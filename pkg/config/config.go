// Package config loads the HCL run configuration: export settings,
// execution tuning, endpoints, auth and the target/query declarations.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/queryfleet/queryfleet/pkg/jobs"
)

// Config is the root of the HCL configuration file.
type Config struct {
	Settings  *SettingsBlock  `hcl:"settings,block"`
	Execution *ExecutionBlock `hcl:"execution,block"`
	Endpoints *EndpointsBlock `hcl:"endpoints,block"`
	Auth      *AuthBlock      `hcl:"auth,block"`
	Logging   *LoggingBlock   `hcl:"logging,block"`
	Targets   []TargetBlock   `hcl:"target,block"`
	Queries   []QueryBlock    `hcl:"query,block"`
}

// SettingsBlock mirrors the per-job export settings.
type SettingsBlock struct {
	OutputFolder  string `hcl:"output_folder,optional"`
	JobName       string `hcl:"job_name,optional"`
	ExportCSV     *bool  `hcl:"export_csv,optional"`
	ExportJSON    *bool  `hcl:"export_json,optional"`
	ParseDynamics *bool  `hcl:"parse_dynamics,optional"`
}

// ExecutionBlock tunes the runner.
type ExecutionBlock struct {
	QueryTimeout     string `hcl:"query_timeout,optional"`
	RetryCount       int    `hcl:"retry_count,optional"`
	ConcurrencyLimit int64  `hcl:"concurrency_limit,optional"`
	PageBuffer       int    `hcl:"page_buffer,optional"`

	queryTimeout time.Duration
}

// EndpointsBlock names the remote APIs.
type EndpointsBlock struct {
	QueryURL string `hcl:"query_url"`
	AdminURL string `hcl:"admin_url"`
}

// AuthBlock configures the credential broker and token store.
type AuthBlock struct {
	// TokenCommand is the external broker invocation; the scope name
	// is appended as the final argument.
	TokenCommand []string `hcl:"token_command"`

	RefreshBuffer string `hcl:"refresh_buffer,optional"`

	// RedisURL, when set, persists tokens across runs.
	RedisURL string `hcl:"redis_url,optional"`

	refreshBuffer time.Duration
}

// LoggingBlock configures zerolog output.
type LoggingBlock struct {
	Level  string `hcl:"level,optional"`
	Pretty bool   `hcl:"pretty,optional"`
}

// TargetBlock declares one data source to query.
type TargetBlock struct {
	ID    string `hcl:"id,label"`
	Name  string `hcl:"name"`
	Group string `hcl:"group,optional"`
}

// QueryBlock declares one query to run against every target.
type QueryBlock struct {
	Name string `hcl:"name,label"`
	Text string `hcl:"text"`
}

// Load reads and decodes the HCL file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if c.Settings == nil {
		c.Settings = &SettingsBlock{}
	}
	if c.Execution == nil {
		c.Execution = &ExecutionBlock{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingBlock{}
	}

	if v := os.Getenv("QUERYFLEET_OUTPUT_FOLDER"); v != "" {
		c.Settings.OutputFolder = v
	}
	if v := os.Getenv("QUERYFLEET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUERYFLEET_REDIS_URL"); v != "" {
		if c.Auth == nil {
			c.Auth = &AuthBlock{}
		}
		c.Auth.RedisURL = v
	}

	if c.Settings.OutputFolder == "" {
		c.Settings.OutputFolder = "./output"
	}
	if c.Settings.JobName == "" {
		c.Settings.JobName = "query"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Execution.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative")
	}
	if c.Execution.ConcurrencyLimit == 0 {
		c.Execution.ConcurrencyLimit = jobs.DefaultConcurrencyLimit
	}

	var err error
	c.Execution.queryTimeout, err = parseDuration(c.Execution.QueryTimeout, 30*time.Second, "query_timeout")
	if err != nil {
		return err
	}
	if c.Auth != nil {
		c.Auth.refreshBuffer, err = parseDuration(c.Auth.RefreshBuffer, 0, "refresh_buffer")
		if err != nil {
			return err
		}
		if len(c.Auth.TokenCommand) == 0 {
			return fmt.Errorf("auth block requires token_command")
		}
	}

	if c.Endpoints == nil {
		return fmt.Errorf("endpoints block is required")
	}
	if c.Endpoints.QueryURL == "" || c.Endpoints.AdminURL == "" {
		return fmt.Errorf("endpoints block requires query_url and admin_url")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, target := range c.Targets {
		if seen[target.ID] {
			return fmt.Errorf("duplicate target %q", target.ID)
		}
		seen[target.ID] = true
	}
	return nil
}

func parseDuration(value string, fallback time.Duration, field string) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// JobSettings converts the settings block into the per-job snapshot,
// starting from the documented defaults.
func (c *Config) JobSettings() jobs.Settings {
	settings := jobs.DefaultSettings()
	settings.OutputFolder = c.Settings.OutputFolder
	settings.JobName = c.Settings.JobName
	if c.Settings.ExportCSV != nil {
		settings.ExportCSV = *c.Settings.ExportCSV
	}
	if c.Settings.ExportJSON != nil {
		settings.ExportJSON = *c.Settings.ExportJSON
	}
	if c.Settings.ParseDynamics != nil {
		settings.ParseDynamics = *c.Settings.ParseDynamics
	}
	return settings
}

// QueryTimeout returns the parsed per-attempt deadline.
func (c *Config) QueryTimeout() time.Duration {
	return c.Execution.queryTimeout
}

// RefreshBuffer returns the parsed token refresh buffer, zero when the
// cache default should apply.
func (c *Config) RefreshBuffer() time.Duration {
	if c.Auth == nil {
		return 0
	}
	return c.Auth.refreshBuffer
}

// QueryTexts returns the declared query bodies in file order.
func (c *Config) QueryTexts() []string {
	texts := make([]string, len(c.Queries))
	for i, q := range c.Queries {
		texts[i] = q.Text
	}
	return texts
}
