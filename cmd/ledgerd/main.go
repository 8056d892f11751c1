// Command ledgerd serves the evidence audit ledger over HTTP.
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

	"github.com/artpromedia/evidence-ledger/internal/app"
	"github.com/artpromedia/evidence-ledger/internal/config"
	"github.com/artpromedia/evidence-ledger/internal/handler"
	"github.com/artpromedia/evidence-ledger/internal/health"
	"github.com/artpromedia/evidence-ledger/internal/webhooks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(config.New(os.Getenv("LEDGER_CONFIG")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.LogDev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.FileUsed == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("loaded config", zap.String("file", cfg.FileUsed))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler.Instrument(a.Ledger)

	// Sample chain integrity on boot; a broken chain is logged, not fatal.
	sample, err := a.Ledger.Integrity(ctx, cfg.Ledger.StatsSampleSize)
	if err != nil {
		logger.Warn("startup integrity sample failed", zap.Error(err))
	} else if len(sample.InvalidSubjects) > 0 {
		logger.Warn("audit chain integrity check FAILED",
			zap.Int("sampled", sample.SampledSubjects),
			zap.Strings("invalid_subjects", sample.InvalidSubjects),
		)
	} else {
		logger.Info("audit chains verified", zap.Int("sampled", sample.SampledSubjects))
	}

	var checker *health.Checker
	if cfg.Ledger.MonitorInterval > 0 {
		checker = health.New(a.Ledger, health.Config{
			CheckInterval: cfg.Ledger.MonitorInterval,
			Concurrency:   cfg.Ledger.MonitorWorkers,
		}, logger)
		checker.SetMetricsRecord(handler.RecordBrokenSubjects)
		if len(cfg.Alerts.WebhookURLs) > 0 {
			notifier := webhooks.NewService(webhooks.Config{
				URLs:   cfg.Alerts.WebhookURLs,
				Secret: cfg.Alerts.WebhookSecret,
			}, logger)
			notifier.SetMetricsRecorder(handler.RecordAlertDelivery)
			checker.SetAlert(notifier.ChainBroken)
			defer notifier.Wait()
			logger.Info("integrity alerts enabled", zap.Int("endpoints", len(cfg.Alerts.WebhookURLs)))
		}
		waitMonitor := checker.Run(ctx)
		// Runs before a.Close: storage must outlive the last verify pass.
		defer func() {
			stop()
			waitMonitor()
		}()
		logger.Info("integrity monitor started", zap.Duration("interval", cfg.Ledger.MonitorInterval))
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, a.Ledger, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Integrity:    checker,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}
