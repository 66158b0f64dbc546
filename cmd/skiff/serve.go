package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"Skiff/internal/alerting"
	"Skiff/internal/api"
	"Skiff/internal/config"
	"Skiff/internal/controller"
	"Skiff/internal/costs"
	"Skiff/internal/github"
	"Skiff/internal/metrics"
	"Skiff/internal/provider/ec2"
	"Skiff/internal/ratelimit"
	"Skiff/internal/spec"
	"Skiff/internal/store"
	"Skiff/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive workflow_job webhooks and provision runners",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.Int("port", 8080, "listening port")
	flags.String("env", "prod", "environment served by this deployment")
	flags.String("region", "us-east-1", "AWS region")
	flags.String("stack-name", "runs-on", "stack tag put on every instance")
	bindFlags(flags, map[string]string{
		"port":       "server.port",
		"env":        "runner.env",
		"region":     "aws.region",
		"stack-name": "aws.stack_name",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(v, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting Skiff",
		"version", version,
		"commit", commit,
		"env", cfg.Runner.Env,
		"region", cfg.AWS.Region,
	)

	if cfg.GitHub.WebhookSecret == "" {
		logger.Warn("github.webhook_secret is empty, webhook signatures are not verified")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Observability, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.NewMetrics(registry)
	met.ControllerInfo.WithLabelValues(version, cfg.Runner.Env).Set(1)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	limiters := ec2.Limiters{
		Launch:    ratelimit.New(cfg.RateLimit.LaunchCapacity, cfg.RateLimit.LaunchInterval),
		Terminate: ratelimit.New(cfg.RateLimit.TerminateCapacity, cfg.RateLimit.TerminateInterval),
	}
	defer limiters.Launch.Stop()
	defer limiters.Terminate.Stop()

	prov := ec2.New(awsCfg, cfg.AWS, limiters, met, logger)
	defer prov.Close()

	ghClient, err := github.NewClient(cfg.GitHub, met, logger)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	alerter := alerting.NewAlerter(sns.NewFromConfig(awsCfg), cfg.Alerting, met, logger)
	alerter.Start()

	deps := controller.Deps{
		GitHub:   ghClient,
		Resolver: spec.NewResolver(ghClient, logger),
		Provider: prov,
		Usage:    costs.NewReporter(cloudwatch.NewFromConfig(awsCfg), cfg.Costs, cfg.Runner.Label, met, logger),
		Alerter:  alerter,
		Metrics:  met,
		Logger:   logger,
	}

	var history api.History
	if cfg.Store.Enabled {
		st, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		deps.Store = st
		history = st
	}

	ctrl, err := controller.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	server := api.New(cfg, prov, ctrl, history, met, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		serveErr = <-errCh
	case serveErr = <-errCh:
		stop()
	}

	// Let in-flight jobs finish, then flush pending alerts.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := ctrl.Wait(drainCtx); err != nil {
		logger.Warn("in-flight jobs did not finish before shutdown", "error", err)
	}
	alerter.Stop(drainCtx)

	logger.Info("shutdown complete")
	return serveErr
}
