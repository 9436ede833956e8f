// Package reconciler drives the periodic control loop: each cycle
// scales every configured pool in order, then runs one global garbage
// collection pass.  State is re-read from the external systems every
// cycle, so a failed cycle heals itself on the next one; nothing short
// of context cancellation stops the loop.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vexxhost/github-actions-openstack/internal/config"
)

// DefaultInterval is the delay between reconciliation cycles.
const DefaultInterval = 30 * time.Second

// PoolScaler covers a single pool's idle-runner deficit.
type PoolScaler interface {
	ScalePool(ctx context.Context, pool config.Pool) error
}

// Collector runs one garbage-collection pass over the whole fleet.
type Collector interface {
	Collect(ctx context.Context) error
}

// Config holds the reconciler's collaborators.
type Config struct {
	Pools     []config.Pool
	Scaler    PoolScaler
	Collector Collector

	// Interval overrides DefaultInterval when positive.
	Interval time.Duration

	Logger *slog.Logger
}

// Reconciler runs the top-level loop.
type Reconciler struct {
	pools     []config.Pool
	scaler    PoolScaler
	collector Collector
	interval  time.Duration
	logger    *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Reconciler{
		pools:     cfg.Pools,
		scaler:    cfg.Scaler,
		collector: cfg.Collector,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("autoscaler/reconciler"),
		meter:     otel.Meter("autoscaler/reconciler"),
	}

	var err error
	r.cycles, err = r.meter.Int64Counter(
		"autoscaler.reconcile.cycles",
		metric.WithDescription("Total number of reconciliation cycles"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycles counter", slog.String("error", err.Error()))
	}

	r.cycleDuration, err = r.meter.Float64Histogram(
		"autoscaler.reconcile.duration",
		metric.WithDescription("Duration of one reconciliation cycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycleDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// Run loops until ctx is canceled, reconciling immediately and then
// once per interval.  Per-cycle errors are logged and swallowed; the
// loop itself only returns the context's error.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCycle scales every pool in configuration order, then collects
// garbage once.  A failing pool does not stop later pools or the
// collection pass.
func (r *Reconciler) runCycle(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "reconciler.runCycle")
	defer span.End()

	// Correlates all log lines of one cycle.
	cycleID := uuid.NewString()[:8]
	span.SetAttributes(attribute.String("cycle.id", cycleID))
	logger := r.logger.With(slog.String("cycle", cycleID))

	start := time.Now()
	failures := 0

	for i, pool := range r.pools {
		if err := r.scaler.ScalePool(ctx, pool); err != nil {
			failures++
			logger.Error("failed to scale pool",
				slog.Int("pool", i),
				slog.String("label", pool.PrimaryLabel()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.collector.Collect(ctx); err != nil {
		failures++
		logger.Error("garbage collection reported errors",
			slog.String("error", err.Error()),
		)
	}

	if r.cycles != nil {
		result := "ok"
		if failures > 0 {
			result = "error"
		}
		r.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if r.cycleDuration != nil {
		r.cycleDuration.Record(ctx, time.Since(start).Seconds())
	}

	logger.Info("completed reconciliation cycle",
		slog.Duration("took", time.Since(start)),
		slog.Int("failures", failures),
	)
}
