package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jholhewres/groupcast/pkg/groupcast/catalog"
	"github.com/jholhewres/groupcast/pkg/groupcast/config"
	"github.com/jholhewres/groupcast/pkg/groupcast/control"
	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/gateway"
	"github.com/jholhewres/groupcast/pkg/groupcast/groups"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
	"github.com/jholhewres/groupcast/pkg/groupcast/scheduler"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

// newServeCmd creates the `groupcast serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, the tenant agents and the HTTP API",
		Long: `Start GroupCast as a daemon: restore every stored tenant session,
run the hourly prepare/execute passes and serve the control API.

Examples:
  groupcast serve
  groupcast serve --config ./groupcast.yaml
  groupcast serve --no-restore`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-restore", false, "do not start agents for stored sessions at boot")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	config.ResolveSecrets(cfg, logger)
	if cfg.Catalog.BaseURL == "" {
		return errors.New("catalog.base_url is required")
	}
	if cfg.Catalog.Token == "" {
		logger.Warn("no catalog token set. Set one with: groupcast token set catalog")
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	blobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening %s session store: %w", cfg.Storage.Backend, err)
	}
	history, err := delivery.OpenHistory(cfg.History.Path)
	if err != nil {
		_ = blobs.Close(ctx)
		return fmt.Errorf("opening delivery history: %w", err)
	}

	// ── Components ──
	sessions := session.New(cfg.Session, blobs, logger)
	cat := catalog.New(cfg.Catalog, logger)
	registry := groups.NewRegistry(cfg.Groups.Dir, cat, logger)
	manager := control.New(cfg.Control(), sessions, registry,
		control.WhatsmeowClients(cfg.DeviceName, logger), logger)

	executor := delivery.NewExecutor(cfg.Delivery, cat, manager.DeliverySource(), history, logger)
	manager.SetPreparer(executor)

	sched, err := scheduler.New(cfg.Scheduler, cat, manager, executor, logger)
	if err != nil {
		_ = history.Close()
		_ = blobs.Close(ctx)
		return err
	}
	gw := gateway.New(manager, history, sched, cfg.Gateway, logger)

	// ── Start ──
	if err := sched.Start(ctx); err != nil {
		_ = history.Close()
		_ = blobs.Close(ctx)
		return err
	}
	if err := gw.Start(ctx); err != nil {
		sched.Stop()
		_ = history.Close()
		_ = blobs.Close(ctx)
		return err
	}

	if noRestore, _ := cmd.Flags().GetBool("no-restore"); !noRestore {
		go manager.RestoreAll(ctx)
	}

	logger.Info("GroupCast running. Press Ctrl+C to stop.",
		"storage", cfg.Storage.Backend,
		"timezone", sched.Location().String(),
		"gateway", cfg.Gateway.Address,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout. The manager saves every ready session
	// before releasing agents, so the store closes last.
	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 20*time.Second)
		defer stop()

		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		sched.Stop()
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn("releasing agents", "error", err)
		}
		if err := history.Close(); err != nil {
			logger.Warn("closing history", "error", err)
		}
		if err := blobs.Close(shutdownCtx); err != nil {
			logger.Warn("closing session store", "error", err)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out after 30s, forcing exit")
	}
	return nil
}
