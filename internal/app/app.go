// Package app assembles the conversion service from its configuration. Both the
// standalone server and the Cloud Functions entrypoint build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/config"
	"github.com/Lllllllleong/statementflow/internal/dedupe"
	"github.com/Lllllllleong/statementflow/internal/gcp"
	"github.com/Lllllllleong/statementflow/internal/httpapi"
	"github.com/Lllllllleong/statementflow/internal/metrics"
	"github.com/Lllllllleong/statementflow/internal/notify"
	"github.com/Lllllllleong/statementflow/internal/r2"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
	"github.com/Lllllllleong/statementflow/internal/services"
)

// App holds the wired service and everything that must be closed on shutdown.
type App struct {
	Handler    *httpapi.Handler
	Processor  *services.ProcessorFunction
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics

	closers []func() error
	logger  *slog.Logger
}

// New connects every client the configuration asks for. On error, whatever was
// already opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Metrics: metrics.New(), logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backend, err := a.newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gateway := blob.NewGateway(backend, logger)

	runner, err := sandbox.NewRunner(sandbox.Config{
		ScratchDir:  cfg.Sandbox.Dir,
		Interpreter: cfg.Sandbox.PythonBin,
		Logger:      logger,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sandbox: %w", err)
	}

	model, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.VertexRegion, cfg.GCP.VertexModel)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, model.Close)

	deps := services.ProcessorDeps{
		Store:   gateway,
		Runner:  runner,
		Model:   model,
		Metrics: a.Metrics,
		Logger:  logger,
	}
	if cfg.Records.Enabled {
		fsClient, err := gcp.NewFirestoreClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, err
		}
		records := gcp.NewJobStore(fsClient, cfg.Records.Collection)
		a.closers = append(a.closers, records.Close)
		deps.Records = records
	}

	a.Processor, err = services.NewProcessor(deps, services.ProcessorConfig{
		MaxSteps:           cfg.Agent.MaxSteps,
		MaxExecuteAttempts: cfg.Agent.MaxExecuteAttempts,
		MaxVerifyRetries:   cfg.Agent.MaxVerifyRetries,
		ScriptTimeout:      cfg.Sandbox.ScriptTimeout,
		HelperTimeout:      cfg.Sandbox.HelperTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	guard, err := a.newGuard(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifiers := []notify.Notifier{notify.NewCallbackNotifier(&http.Client{}, cfg.Callbacks.Timeout)}
	if cfg.Workflow.ID != "" {
		wfClient, err := notify.NewWorkflowClient(ctx)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, wfClient.Close)
		notifiers = append(notifiers, notify.NewWorkflowNotifier(wfClient, cfg.GCP.ProjectID, cfg.Workflow.Location, cfg.Workflow.ID, cfg.Workflow.Timeout))
	}
	a.Dispatcher = notify.NewDispatcher(logger, notifiers...)

	a.Handler = httpapi.NewHandler(a.Processor, guard, a.Dispatcher, a.Metrics, logger, httpapi.HandlerConfig{
		WebhookSecret: cfg.WebhookSecret,
	})
	return a, nil
}

func (a *App) newBackend(ctx context.Context, cfg config.Config) (blob.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		store, err := gcp.NewBucketStore(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.BackendR2:
		store, err := r2.New(r2.Config{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
			Bucket:          cfg.R2.Bucket,
			Endpoint:        cfg.R2.Endpoint,
			UseSSL:          !cfg.R2.Insecure,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// newGuard prefers Redis so replicas share in-flight locks; without REDIS_ADDR
// the locks are process local.
func (a *App) newGuard(ctx context.Context, cfg config.Config) (dedupe.Guard, error) {
	if cfg.Redis.Addr == "" {
		a.logger.Info("REDIS_ADDR not set, using in-memory dedupe.")
		return dedupe.NewMemoryGuard(cfg.Records.DedupeTTL), nil
	}
	guard := dedupe.NewRedisGuard(dedupe.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), cfg.Records.DedupeTTL, a.logger)
	a.closers = append(a.closers, guard.Close)
	if err := guard.Ping(ctx); err != nil {
		return nil, err
	}
	return guard, nil
}

// Routes returns the HTTP surface of the service.
func (a *App) Routes() http.Handler {
	return httpapi.Routes(a.Handler)
}

// Close releases every client in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Failed to close some clients.", "error", err)
		return err
	}
	return nil
}
