// Command buildsweep builds, tests or benchmarks third-party modules from a
// module proxy and records per-module timing and outcome data.
//
// WARNING: building or testing packages from a public registry involves
// executing arbitrary code. Be wary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildsweep/internal/api"
	"buildsweep/internal/config"
	"buildsweep/internal/core"
	"buildsweep/internal/fetch"
	"buildsweep/internal/logging"
	"buildsweep/internal/notify"
	"buildsweep/internal/registry"
	"buildsweep/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	mode, err := core.ParseMode(cfg.Mode)
	if err != nil {
		logger.Error("invalid mode", "err", err)
		return 1
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open result store", "err", err)
		return 1
	}
	defer storeInst.DB.Close()

	registryClient := registry.NewProxyClient(cfg.Registry.ProxyURL, cfg.Registry.IndexURL)
	fetcher := fetch.NewProxyFetcher(cfg.Registry.ProxyURL)
	sandbox := core.NewSandbox(storeInst, fetcher, core.NewGoTool(), logger,
		cfg.StateDir, cfg.Registry.ProxyURL, cfg.Timeout, cfg.LogExcerptBytes)
	resolver := core.NewResolver(registryClient, logger)
	scheduler := core.NewScheduler(storeInst, sandbox, logger,
		cfg.Workers, cfg.BreakerThreshold, cfg.Rerun)

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			logger.Error("configure webhook", "err", err)
			return 1
		}
		notifier = webhook
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Addr != "" {
		server, err = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, mode, logger)
		if err != nil {
			logger.Error("create status server", "err", err)
			return 1
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown", "err", err)
			}
		}()
	}

	sweep := func() error {
		resolution, err := resolver.Resolve(ctx, cfg.Specifiers, mode)
		if err != nil {
			return err
		}
		summary, err := scheduler.Run(ctx, resolution, mode)
		logger.Info("sweep finished", "mode", mode, "summary", summary.String(), "store", cfg.StateDir)
		title := fmt.Sprintf("buildsweep %s finished", mode)
		if err != nil {
			title = fmt.Sprintf("buildsweep %s aborted", mode)
		}
		if notifyErr := notifier.Send(ctx, title, summary.String()); notifyErr != nil {
			logger.Warn("send notification", "err", notifyErr)
		}
		return err
	}

	if cfg.SweepCron == "" {
		return exitCode(logger, sweep())
	}

	schedule, err := core.ParseCron(cfg.SweepCron)
	if err != nil {
		logger.Error("invalid sweep schedule", "err", err)
		return 1
	}
	if err := sweep(); err != nil {
		return exitCode(logger, err)
	}
	for {
		next := schedule.Next(time.Now())
		logger.Info("next sweep scheduled", "at", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case err := <-serverErr:
			logger.Error("status server error", "err", err)
			return 1
		case <-time.After(time.Until(next)):
			if err := sweep(); err != nil {
				return exitCode(logger, err)
			}
		}
	}
}

// exitCode maps run-level errors to the process exit code. Per-target
// failures are ordinary recorded outcomes and never reach here; only a
// tripped breaker, an unusable store/registry or an empty worklist are
// fatal. An operator abort leaves partial progress resumable and exits
// cleanly.
func exitCode(logger *slog.Logger, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		logger.Info("run aborted, committed results remain resumable")
		return 0
	case errors.Is(err, core.ErrBreakerTripped):
		logger.Error("run failed", "err", err)
		return 1
	case errors.Is(err, core.ErrNoTargets):
		logger.Error("run failed", "err", err)
		return 1
	default:
		logger.Error("run failed", "err", err)
		return 1
	}
}
