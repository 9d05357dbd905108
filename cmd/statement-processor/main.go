package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/statementflow/internal/app"
	"github.com/Lllllllleong/statementflow/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config.", "error", err)
		os.Exit(1)
	}
	logger := config.InitLogger(cfg.SlogLevel())
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config.", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize service.", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Statement processor listening.", "addr", srv.Addr, "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down, draining in-flight jobs.", "grace", cfg.ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("In-flight jobs did not finish within the grace period.", "error", err)
			a.Close()
			os.Exit(1)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error.", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped.")
}
