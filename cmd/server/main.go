package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-relay/internal/auth"
	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/gateway"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/variables"
)

func main() {
	root := &cobra.Command{
		Use:           "voice-relay",
		Short:         "Realtime voice relay between browser clients and flows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the voice websocket endpoints",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Probe every dependency once and print a readiness report",
			RunE:  runCheck,
		},
		tokenCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voice-relay: %v\n", err)
		os.Exit(1)
	}
}

// deps are the long-lived clients shared by every session
type deps struct {
	flows  *flow.Client
	pool   *pgxpool.Pool
	redis  *redis.Client
	store  *flow.Store
	creds  *variables.Store
	checks map[string]observability.HealthCheckFunc
}

func (d *deps) resolver() flow.Resolver {
	if d.store != nil {
		return d.store
	}
	return d.flows
}

func (d *deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.flows != nil {
		_ = d.flows.Close()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{checks: make(map[string]observability.HealthCheckFunc)}

	flows, err := flow.NewClient(flow.ClientConfig{
		Address: cfg.FlowExecutorURL,
		TLS:     cfg.FlowExecutorTLSEnabled,
		Timeout: time.Duration(cfg.FlowExecutorTimeout) * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		MaxFailure: cfg.CircuitBreakerMaxFailures,
		ResetAfter: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("flow executor: %w", err)
	}
	d.flows = flows
	d.checks["flow_executor"] = flows.HealthCheck

	if cfg.DatabaseURL != "" {
		store, pool, err := flow.OpenStore(ctx, cfg.DatabaseURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("database: %w", err)
		}
		d.store, d.pool = store, pool
		d.checks["database"] = pool.Ping
		logger.Info().Msg("Resolving flows from the database")
	}

	if cfg.RedisURL != "" {
		rdb, err := variables.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.redis = rdb
		d.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Msg("Reading user variables from redis")
	}
	d.creds = variables.NewStore(d.redis, map[string]string{
		"OPENAI_API_KEY":     cfg.OpenAIAPIKey,
		"ELEVENLABS_API_KEY": cfg.ElevenLabsAPIKey,
	})

	return d, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("flow_executor_url", cfg.FlowExecutorURL).
		Str("tts_provider", cfg.TTSProvider).
		Bool("barge_in", cfg.BargeInEnabled).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice relay starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	validator := auth.NewValidator(cfg.AuthSecretKey, cfg.AuthCookieName)
	voice := gateway.NewHandler(cfg, validator, d.resolver(), d.flows, d.creds, logger)

	mux := http.NewServeMux()
	voice.Register(mux)
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(d.checks))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: voice sockets stay open for the whole conversation.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/api/v1/voice/ws/flow_as_tool/{flow_id}", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Int64("active_sessions", voice.ActiveSessions()).Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	// Hijacked websockets are not tracked by http.Server.
	if err := voice.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Int64("active_sessions", voice.ActiveSessions()).Msg("Voice sessions did not close in time")
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	statuses, ok := observability.CheckDependencies(ctx, d.checks)
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	for _, name := range observability.CheckNames(d.checks) {
		if err := out.Encode(map[string]any{"dependency": name, "status": statuses[name]}); err != nil {
			return err
		}
	}
	if !ok {
		return errors.New("one or more dependencies are not ready")
	}
	return nil
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.NewValidator(cfg.AuthSecretKey, cfg.AuthCookieName).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
