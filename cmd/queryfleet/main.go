package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/queryfleet/queryfleet/pkg/auth"
	"github.com/queryfleet/queryfleet/pkg/config"
	"github.com/queryfleet/queryfleet/pkg/jobs"
	"github.com/queryfleet/queryfleet/pkg/logging"
	"github.com/queryfleet/queryfleet/pkg/query"
	"github.com/queryfleet/queryfleet/pkg/runner"
)

func main() {
	configPath := flag.String("config", "queryfleet.hcl", "path to the HCL configuration file")
	metricsAddr := flag.String("metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.Setup(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("Loading configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	if cfg.Auth == nil {
		logger.Fatal().Msg("Configuration requires an auth block")
	}

	ctx := context.Background()
	tokens := auth.NewCache(newBroker(cfg), newTokenStore(ctx, cfg, logger), logger)
	if buffer := cfg.RefreshBuffer(); buffer > 0 {
		tokens.SetRefreshBuffer(buffer)
	}

	// A run that cannot obtain any token at all is aborted up front;
	// per-job auth hiccups are handled by the retry loop later.
	if _, err := tokens.GetToken(ctx, auth.ScopeData); err != nil {
		logger.Fatal().Err(err).Msg("Obtaining initial data token")
	}

	queryCfg := query.DefaultConfig(cfg.Endpoints.QueryURL, cfg.Endpoints.AdminURL)
	queryCfg.Timeout = cfg.QueryTimeout()
	client, err := query.New(queryCfg, tokens)
	if err != nil {
		logger.Fatal().Err(err).Msg("Creating query client")
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	targets, err := resolveTargets(ctx, cfg, client)
	if err != nil {
		logger.Fatal().Err(err).Msg("Resolving targets")
	}

	r := runner.New(client, runner.Options{
		RetryCount:       cfg.Execution.RetryCount,
		QueryTimeout:     cfg.QueryTimeout(),
		ConcurrencyLimit: cfg.Execution.ConcurrencyLimit,
		PageBuffer:       cfg.Execution.PageBuffer,
		Logger:           logger,
	})

	summary, err := r.RunBatch(ctx, targets, cfg.QueryTexts(), cfg.JobSettings())
	if err != nil {
		logger.Fatal().Err(err).Msg("Batch could not start")
	}

	// Individual job failures are reported here but never change the
	// exit status; the output tree and logs carry the detail.
	for _, job := range r.Registry().Jobs() {
		if job.Status == jobs.StatusFailed && job.Err != nil {
			logger.Warn().
				Int64("job_id", job.ID).
				Str("target", job.Target.Name).
				Str("error_kind", job.Err.ShortLabel()).
				Msg(job.Err.Error())
		}
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Int("total", summary.Total).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Run finished")
}

// newBroker builds the external-command broker, appending the scope
// name to the configured command line.
func newBroker(cfg *config.Config) *auth.CommandBroker {
	commands := make(map[auth.Scope][]string, 2)
	for _, scope := range []auth.Scope{auth.ScopeAdmin, auth.ScopeData} {
		argv := make([]string, 0, len(cfg.Auth.TokenCommand)+1)
		argv = append(argv, cfg.Auth.TokenCommand...)
		argv = append(argv, string(scope))
		commands[scope] = argv
	}
	return &auth.CommandBroker{Commands: commands}
}

// newTokenStore returns the redis-backed store when configured so tokens
// survive across runs, otherwise an in-memory one.
func newTokenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) auth.Store {
	if cfg.Auth.RedisURL == "" {
		return auth.NewMemoryStore()
	}

	opts, err := redis.ParseURL(cfg.Auth.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Parsing redis_url")
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.Auth.RedisURL).Msg("Connecting to redis token store")
	}
	logger.Info().Str("url", cfg.Auth.RedisURL).Msg("Using redis token store")
	return auth.NewRedisStore(redisClient)
}

// resolveTargets uses the declared targets, falling back to discovery
// against the admin API when the configuration names none.
func resolveTargets(ctx context.Context, cfg *config.Config, client *query.Client) ([]query.Target, error) {
	if len(cfg.Targets) > 0 {
		targets := make([]query.Target, len(cfg.Targets))
		for i, t := range cfg.Targets {
			targets[i] = query.Target{ID: t.ID, Name: t.Name, Group: t.Group}
		}
		return targets, nil
	}
	return client.ListTargets(ctx)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server stopped")
	}
}
