// Command orderproc runs the B2B order-email processor: the long-lived
// mailbox supervisor (spec §4.12), a one-shot catalog sync, or a
// health-file dump, selected by subcommand in the teacher's own
// minimal-flag-package style — no cobra/viper scaffolding, just
// os.Args[1] dispatch, matching the CLI surface spec §6 names.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/internal/config"
	"github.com/sds-orderproc/orderproc/pkg/supervisor"
	"github.com/sds-orderproc/orderproc/pkg/tracing"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: orderproc <run|sync-once|health> [config-path]")
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	configPath := ""
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	var runErr error
	switch os.Args[1] {
	case "run":
		runErr = runSupervisor(cfg, logger)
	case "sync-once":
		runErr = runSyncOnce(cfg, logger)
	case "health":
		runErr = printHealth(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}

	if runErr != nil {
		logger.WithError(runErr).Error("orderproc exited with error")
		os.Exit(1)
	}
	os.Exit(0)
}

// runSupervisor builds the processing graph and drives the Supervisor's
// poll loop until SIGINT/SIGTERM, finishing the in-flight message
// before returning (spec §4.12). Incremental Sync runs on its own
// ticker goroutine, independent of the per-message pipeline (spec
// §4.2), and the Feedback Processor's chat long-poll runs on a third.
func runSupervisor(cfg *config.Config, logger *logrus.Logger) error {
	for _, c := range supervisor.Registry() {
		_ = prometheus.Register(c)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewStdout(os.Stdout)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	g, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build processing graph: %w", err)
	}
	if g.watcher != nil {
		defer g.watcher.Close()
	}

	rebuild := func(ctx context.Context) (supervisor.Pipeline, error) {
		ng, err := build(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		go runSyncLoop(ctx, ng, logger)
		go runFeedbackLoop(ctx, ng, logger)
		return ng.pipeline, nil
	}

	sv := supervisor.New(supervisor.Config{
		PollInterval:           secondsToDuration(cfg.Supervisor.PollIntervalSeconds),
		HeartbeatInterval:      secondsToDuration(cfg.Supervisor.HeartbeatIntervalSeconds),
		MaxConsecutiveFailures: cfg.Supervisor.MaxConsecutiveFailures,
		AdminAlertAddress:      cfg.AdminAlertAddress,
		HealthFilePath:         filepath.Join(cfg.Paths.HealthDir, "status.txt"),
	}, g.pipeline, rebuild, g.mailNotify, logger)

	go runSyncLoop(ctx, g, logger)
	go runFeedbackLoop(ctx, g, logger)

	return sv.Run(ctx)
}

func runSyncOnce(cfg *config.Config, logger *logrus.Logger) error {
	ctx := context.Background()
	g, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if g.watcher != nil {
		defer g.watcher.Close()
	}
	result, err := g.syncer.Sync(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"customers_synced": result.CustomersSynced,
		"products_synced":  result.ProductsSynced,
		"watermark_after":  result.WatermarkAfter,
	}).Info("sync-once complete")
	return nil
}

func printHealth(cfg *config.Config) error {
	data, err := os.ReadFile(filepath.Join(cfg.Paths.HealthDir, "status.txt"))
	if err != nil {
		return fmt.Errorf("read health file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
