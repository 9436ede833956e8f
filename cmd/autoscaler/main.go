package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vexxhost/github-actions-openstack/internal/collector"
	"github.com/vexxhost/github-actions-openstack/internal/config"
	"github.com/vexxhost/github-actions-openstack/internal/health"
	"github.com/vexxhost/github-actions-openstack/internal/otel"
	"github.com/vexxhost/github-actions-openstack/internal/reconciler"
	"github.com/vexxhost/github-actions-openstack/internal/scaler"
	"github.com/vexxhost/github-actions-openstack/internal/webhook"
)

const serviceName = "github-actions-openstack"

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
	Use:   "autoscaler",
	Short: "Autoscaler for self-hosted GitHub Actions runners on cloud instances",
	Long: `autoscaler keeps a fleet of ephemeral cloud instances in sync with
self-hosted GitHub Actions runner registrations.  Each reconciliation
cycle tops up configured pools to their minimum number of idle runners
and garbage-collects orphaned instances and registrations.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Org, "org", "", "GitHub organization owning the runners")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token with organization admin scope")
	f.StringVar(&flagOverrides.GitHub.TokenPath, "token-path", "", "Path to a file containing the token")

	// Provider overrides
	f.StringVar(&flagOverrides.Provider.Type, "provider", "", "Compute provider (openstack, gcp)")
	f.StringVar(&flagOverrides.Provider.OpenStack.Cloud, "cloud", "", "clouds.yaml profile name")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Org != "" {
		cfg.GitHub.Org = flagOverrides.GitHub.Org
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.TokenPath != "" {
		cfg.GitHub.TokenPath = flagOverrides.GitHub.TokenPath
	}
	if flagOverrides.Provider.Type != "" {
		cfg.Provider.Type = flagOverrides.Provider.Type
	}
	if flagOverrides.Provider.OpenStack.Cloud != "" {
		cfg.Provider.OpenStack.Cloud = flagOverrides.Provider.OpenStack.Cloud
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("org", cfg.GitHub.Org),
		slog.String("provider", cfg.Provider.Type),
		slog.Int("pools", len(cfg.Pools)),
		slog.Duration("interval", cfg.Reconciler.Interval.Std()),
	)

	// ---------------------------------------------------------------
	// 3. Set up OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: true,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create runners client + compute provider
	// ---------------------------------------------------------------
	registrations, err := cfg.NewRunnersClient(logger)
	if err != nil {
		return fmt.Errorf("creating runners client: %w", err)
	}

	prov, err := cfg.NewProvider(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing %s provider: %w", cfg.Provider.Type, err)
	}

	// ---------------------------------------------------------------
	// 5. Create scaler, collector, reconciler
	// ---------------------------------------------------------------
	s := scaler.New(scaler.Config{
		Registrations:  registrations,
		Provider:       prov,
		Prefix:         cfg.Reconciler.NamePrefix,
		MaxConcurrent:  cfg.Reconciler.MaxConcurrent,
		AttemptTimeout: cfg.Reconciler.AttemptTimeout.Std(),
		Logger:         logger.WithGroup("scaler"),
	})

	gc := collector.New(collector.Config{
		Registrations: registrations,
		Provider:      prov,
		GracePeriod:   cfg.Reconciler.GracePeriod.Std(),
		Logger:        logger.WithGroup("collector"),
	})

	rec := reconciler.New(reconciler.Config{
		Pools:     cfg.Pools,
		Scaler:    s,
		Collector: gc,
		Interval:  cfg.Reconciler.Interval.Std(),
		Logger:    logger.WithGroup("reconciler"),
	})

	// ---------------------------------------------------------------
	// 6. HTTP server: health, metrics, webhook
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(cfg.Provider.Type))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/webhook", webhook.Handler([]byte(cfg.GitHub.WebhookSecret), logger.WithGroup("webhook")))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting reconciler")
		if err := rec.Run(gctx); !errors.Is(err, context.Canceled) {
			return fmt.Errorf("reconciler: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}
