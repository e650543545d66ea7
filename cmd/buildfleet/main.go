package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/buildfleet/internal/activity"
	"github.com/terrpan/buildfleet/internal/config"
	"github.com/terrpan/buildfleet/internal/health"
	"github.com/terrpan/buildfleet/internal/otel"
	"github.com/terrpan/buildfleet/internal/release"
	"github.com/terrpan/buildfleet/internal/worker"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildfleet",
	Short: "Release-pipeline decision worker -- launches single-use build workers",
	Long: `buildfleet consumes release-pipeline activity tasks from a NATS
JetStream queue, decides per task whether the step still needs to run,
and provisions a single-use build worker through a pluggable compute
engine (GCE, Docker).

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <version>",
	Short: "Print which pipeline steps still need to run for a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return plan(cmd.Context(), args[0], planPlatform, planPlatforms)
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap <activity>",
	Short: "Terminate leftover build workers for an activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reap(cmd.Context(), args[0])
	},
}

var (
	planPlatform  string
	planPlatforms []string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	f := rootCmd.Flags()

	// Queue overrides
	f.StringVar(&flagOverrides.Queue.URL, "nats-url", "", "NATS server URL")
	f.StringVar(&flagOverrides.Queue.Consumer, "consumer", "", "Durable consumer name")

	// Engine overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (docker, gce)")
	f.StringVar(&flagOverrides.Engine.GCE.Project, "gce-project", "", "GCP project ID")
	f.StringVar(&flagOverrides.Engine.GCE.Zone, "gce-zone", "", "Default GCE zone for build workers")
	f.StringVar(&flagOverrides.Engine.GCE.Image, "gce-image", "", "Worker base image self-link or family URL")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "listen", "", "Health/metrics listen address")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	planCmd.Flags().StringVar(&planPlatform, "platform", "", "Platform for per-platform steps")
	planCmd.Flags().StringSliceVar(&planPlatforms, "platforms", nil, "Restrict multi-platform steps to these platforms")

	rootCmd.AddCommand(planCmd, reapCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Queue.URL != "" {
		cfg.Queue.URL = flagOverrides.Queue.URL
	}
	if flagOverrides.Queue.Consumer != "" {
		cfg.Queue.Consumer = flagOverrides.Queue.Consumer
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Engine.GCE.Project != "" {
		cfg.Engine.GCE.Project = flagOverrides.Engine.GCE.Project
	}
	if flagOverrides.Engine.GCE.Zone != "" {
		cfg.Engine.GCE.Zone = flagOverrides.Engine.GCE.Zone
	}
	if flagOverrides.Engine.GCE.Image != "" {
		cfg.Engine.GCE.Image = flagOverrides.Engine.GCE.Image
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration and create logger
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("project", cfg.Release.Project),
		slog.String("natsURL", cfg.Queue.URL),
	)

	// ---------------------------------------------------------------
	// 2. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "buildfleet", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: true,
	})
	if err != nil {
		return fmt.Errorf("setting up OpenTelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("otel shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Health + metrics server
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(cfg.Engine.Type))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		logger.Info("health/metrics server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health/metrics server", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// ---------------------------------------------------------------
	// 4. Clients: queue, status, registry, engine
	// ---------------------------------------------------------------
	q, err := cfg.NewQueueClient(logger)
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer q.Close()

	statusClient, err := cfg.NewStatusClient()
	if err != nil {
		return fmt.Errorf("creating status client: %w", err)
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer eng.Close(context.WithoutCancel(ctx))

	// ---------------------------------------------------------------
	// 5. Run the decision worker
	// ---------------------------------------------------------------
	w := worker.New(worker.Config{
		Queue: q,
		Deps: activity.Deps{
			Status:   statusClient,
			Registry: cfg.NewRegistryClient(),
			Engine:   eng,
		},
		ActivityConfig: cfg.ActivityConfig(),
		Logger:         logger.WithGroup("worker"),
		ConsumerName:   cfg.Queue.Consumer,
		MaxInFlight:    cfg.Queue.MaxInFlight,
		DeferDelay:     cfg.DeferDelay(),
	})

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}

// plan evaluates every activity's ShouldRun predicate for a version and
// prints the decisions.  No workers are launched.
func plan(ctx context.Context, version, platform string, platforms []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	statusClient, err := cfg.NewStatusClient()
	if err != nil {
		return fmt.Errorf("creating status client: %w", err)
	}

	ps := make([]release.Platform, 0, len(platforms))
	for _, p := range platforms {
		ps = append(ps, release.Platform(p))
	}
	in := activity.Input{
		Version:   release.Version(version),
		Platform:  release.Platform(platform),
		Platforms: ps,
	}
	deps := activity.Deps{
		Status:   statusClient,
		Registry: cfg.NewRegistryClient(),
	}

	for _, name := range activity.Names() {
		act, err := activity.New(name, in, deps, cfg.ActivityConfig())
		if err != nil {
			return err
		}
		run, err := act.ShouldRun(ctx)
		switch {
		case err != nil:
			fmt.Printf("%-28s error: %v\n", name, err)
		case run:
			fmt.Printf("%-28s run\n", name)
		default:
			fmt.Printf("%-28s skip\n", name)
		}
	}
	return nil
}

// reap terminates all live build workers for one activity.  Build
// workers normally delete themselves; reap cleans up after ones that
// got stuck.
func reap(ctx context.Context, name string) error {
	if !isKnownActivity(name) {
		return fmt.Errorf("unknown activity %q (known: %s)",
			name, strings.Join(activity.Names(), ", "))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer eng.Close(context.WithoutCancel(ctx))

	workers, err := eng.ActiveWorkers(ctx, name)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}
	if len(workers) == 0 {
		fmt.Printf("no live workers for %s\n", name)
		return nil
	}

	for _, w := range workers {
		fmt.Printf("terminating %s (%s)\n", w.Name, w.Status)
		if err := eng.Terminate(ctx, w.ID); err != nil {
			return fmt.Errorf("terminating %s: %w", w.Name, err)
		}
	}
	return nil
}

func isKnownActivity(name string) bool {
	for _, n := range activity.Names() {
		if n == name {
			return true
		}
	}
	return false
}
