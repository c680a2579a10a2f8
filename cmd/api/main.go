package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/paradixe-xz/evaInstance-sub000/cmd/mainconfig"
	"github.com/paradixe-xz/evaInstance-sub000/internal/app/bootstrap"
	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting campaign API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"ledger", cfg.LedgerDriver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	campaign, err := bootstrap.Build(ctx, cfg, awsCfg, logger)
	if err != nil {
		return fmt.Errorf("build campaign: %w", err)
	}
	defer campaign.Close()

	srv := newHTTPServer(cfg, campaign.Router())
	g, gctx := errgroup.WithContext(ctx)

	if shouldRunWorker(cfg) {
		// The in-memory queue lives in this process, so its consumer must too.
		g.Go(func() error { return campaign.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHTTPServer leaves WriteTimeout unset; the hand-off stream holds its
// websocket open indefinitely.
func newHTTPServer(cfg *appconfig.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func shouldRunWorker(cfg *appconfig.Config) bool {
	return cfg.UseMemoryQueue
}
