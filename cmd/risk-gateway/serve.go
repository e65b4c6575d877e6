// cmd/risk-gateway/serve.go
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"risk-gateway/internal/api"
	"risk-gateway/internal/audit"
	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/camunda"
	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/database"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/observability"
	"risk-gateway/internal/explain"
	"risk-gateway/internal/inference"
	"risk-gateway/internal/riskmodel"
	explainrisk "risk-gateway/internal/workers/risk/explain-risk"
	predictrisk "risk-gateway/internal/workers/risk/predict-risk"
)

func newServeCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and, when enabled, the Zeebe job workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, stdout, stderr)
		},
	}
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(ctx context.Context, operation func(context.Context) error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation(ctx)
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// closer is run in reverse registration order on shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func runServe(cmd *cobra.Command, _, stderr io.Writer) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(stderr, "risk-gateway: config load failed: %v\n", err)
		return errExit
	}

	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("Starting risk gateway...", map[string]interface{}{
		"version":     version,
		"environment": cfg.App.Environment,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownGrace))
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				log.Error("shutdown step failed", map[string]interface{}{
					"step":  closers[i].name,
					"error": err.Error(),
				})
			}
		}
		log.Info("Risk gateway stopped gracefully", nil)
	}()

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"observability", obs.Shutdown})

	// --- Model ---
	handle, err := riskmodel.LoadFile(cfg.Model.ArtifactPath)
	if err != nil {
		log.Error("model load failed", map[string]interface{}{
			"path":  cfg.Model.ArtifactPath,
			"error": err.Error(),
		})
		return errExit
	}
	log.Info("Model loaded", map[string]interface{}{
		"name":     handle.Name(),
		"version":  handle.Version(),
		"features": handle.NumFeatures(),
	})

	readiness := map[string]api.ReadinessCheck{}

	// --- Credential store ---
	var store auth.CredentialStore
	switch cfg.Auth.Store {
	case "memory":
		creds := make([]auth.Credential, 0, len(cfg.Auth.Users))
		for _, u := range cfg.Auth.Users {
			creds = append(creds, auth.Credential{
				Username:     u.Username,
				PasswordHash: u.PasswordHash,
				Role:         auth.RoleFromAdminFlag(u.Admin),
			})
		}
		store = auth.NewMemoryCredentialStore(creds...)
		log.Info("Using in-memory credential store", map[string]interface{}{"users": len(creds)})
	default:
		pg, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"postgres", func(context.Context) error { return pg.Close() }})
		err = retryWithBackoff(ctx, func(ctx context.Context) error {
			if err := pg.Ping(ctx); err != nil {
				return err
			}
			return pg.Migrate(ctx)
		}, 15, 2*time.Second, log, "PostgreSQL connection")
		if err != nil {
			return err
		}
		store = auth.NewPostgresCredentialStore(pg.DB)
		readiness["postgres"] = pg.Ping
		log.Info("PostgreSQL connected successfully", nil)
	}

	tokens, err := auth.NewTokenService([]byte(cfg.Auth.JWTSecret), cfg.Auth.Algorithm, cfg.Auth.TokenTTLDuration(), cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	access := auth.NewAccessControl(store, tokens, log)

	// --- Inference and explanation ---
	pipeline, err := inference.NewPipeline(handle, obs, log)
	if err != nil {
		return err
	}
	engine := explain.NewEngine(handle, explain.OptionsFromConfig(cfg.Explain), obs, log)

	var rdb redis.Cmdable
	if cfg.Explain.Background.Source == explain.SourceRedis {
		rc, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"redis", func(context.Context) error { return rc.Close() }})
		if err := retryWithBackoff(ctx, rc.Ping, 10, 2*time.Second, log, "Redis connection"); err != nil {
			return err
		}
		rdb = rc.GetClient()
		readiness["redis"] = rc.Ping
		log.Info("Redis connected successfully", nil)
	}

	background, err := explain.NewBackgroundSource(cfg.Explain.Background, handle, rdb, log)
	if err != nil {
		return err
	}
	if background.Name() == explain.SourceNone {
		log.Error("no background source configured, explanations are disabled", nil)
	}

	// --- Audit trail ---
	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Enabled {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		err = retryWithBackoff(ctx, func(ctx context.Context) error {
			if err := es.Ping(ctx); err != nil {
				return err
			}
			return es.EnsureIndex(ctx, cfg.Audit.Index, audit.IndexMapping)
		}, 15, 2*time.Second, log, "Elasticsearch connection")
		if err != nil {
			return err
		}
		esSink := audit.NewElasticsearchSink(es, cfg.Audit.Index, config.GetDuration(cfg.Audit.Timeout), cfg.Audit.MaxInFlight, log)
		closers = append(closers, closer{"audit", esSink.Close})
		sink = esSink
		readiness["elasticsearch"] = es.Ping
		log.Info("Elasticsearch connected successfully", nil)
	}

	// --- Zeebe workers ---
	if cfg.Camunda.Enabled {
		zc, err := camunda.NewClientWithConfig(ctx, camunda.ConfigFromSettings(cfg.Camunda), log)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"zeebe", func(context.Context) error { return zc.Close() }})
		readiness["zeebe"] = zc.HealthCheck
		log.Info("Zeebe client connected successfully", nil)

		var workers []*camunda.Worker
		if config.IsWorkerEnabled(cfg, predictrisk.TaskType) {
			wcfg := config.GetWorkerConfig(cfg, predictrisk.TaskType)
			handler := predictrisk.NewHandler(predictrisk.LoadConfig(wcfg), access, pipeline, sink, log)
			workers = append(workers, camunda.StartWorker(zc.GetClient(), predictrisk.TaskType, wcfg, handler, log))
		}
		if config.IsWorkerEnabled(cfg, explainrisk.TaskType) {
			wcfg := config.GetWorkerConfig(cfg, explainrisk.TaskType)
			handler := explainrisk.NewHandler(explainrisk.LoadConfig(wcfg, cfg.Explain), access, pipeline, background, engine, sink, log)
			workers = append(workers, camunda.StartWorker(zc.GetClient(), explainrisk.TaskType, wcfg, handler, log))
		}
		closers = append(closers, closer{"workers", func(context.Context) error {
			for _, w := range workers {
				w.Stop()
			}
			return nil
		}})
		log.Info("Workers registered", map[string]interface{}{"count": len(workers)})
	}

	// --- HTTP API ---
	server := api.New(api.Dependencies{
		Access:         access,
		Pipeline:       pipeline,
		Explainer:      engine,
		Background:     background,
		Model:          handle,
		Audit:          sink,
		Readiness:      readiness,
		Logger:         log,
		Server:         cfg.Server,
		ExplainTimeout: config.GetDuration(cfg.Explain.Timeout),
		DefaultSeed:    cfg.Explain.Seed,
		AppName:        cfg.App.Name,
		AppVersion:     version,
	})
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", map[string]interface{}{"address": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining requests...", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownGrace))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
