// Package collector implements the garbage collector that keeps the
// instance fleet and the runner registrations in sync.  It cross
// references both sides by runner identity and deletes whichever side
// is orphaned, with an age grace period on the instance side only:
// registration propagation lags instance creation, but a registration
// whose instance is gone has nothing left to wait for.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
	"github.com/vexxhost/github-actions-openstack/internal/runners"
)

// DefaultGracePeriod is the minimum instance age before it becomes
// eligible for deletion.
const DefaultGracePeriod = 5 * time.Minute

// RegistrationService is the slice of the runners client the collector
// needs.
type RegistrationService interface {
	List(ctx context.Context, label string) ([]runners.Runner, error)
	Remove(ctx context.Context, id int64) error
}

// Config holds the collector's collaborators and tuning knobs.
type Config struct {
	Registrations RegistrationService
	Provider      provider.Provider

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// Collector deletes orphaned instances and stale registrations.
type Collector struct {
	registrations RegistrationService
	provider      provider.Provider
	gracePeriod   time.Duration
	now           func() time.Time
	logger        *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	deleted metric.Int64Counter
}

// New creates a Collector.
func New(cfg Config) *Collector {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Collector{
		registrations: cfg.Registrations,
		provider:      cfg.Provider,
		gracePeriod:   cfg.GracePeriod,
		now:           cfg.Now,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("autoscaler/collector"),
		meter:         otel.Meter("autoscaler/collector"),
	}

	var err error
	c.deleted, err = c.meter.Int64Counter(
		"autoscaler.gc.deleted",
		metric.WithDescription("Entities deleted by the garbage collector"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deleted counter", slog.String("error", err.Error()))
	}

	return c
}

// Collect runs one full garbage-collection pass: first the instance
// deletion policy over every managed instance, then the registration
// deletion policy over every managed registration.  Individual deletion
// failures are logged and skipped.  Unparsable creation timestamps are
// per-instance errors: the affected instance is left alone, the rest of
// the pass proceeds, and the joined errors are returned at the end.
func (c *Collector) Collect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "collector.Collect")
	defer span.End()

	instances, err := c.provider.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	// Global view: no label filter.
	rs, err := c.registrations.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing runners: %w", err)
	}

	span.SetAttributes(
		attribute.Int("gc.instances", len(instances)),
		attribute.Int("gc.runners", len(rs)),
	)

	byName := make(map[identity.Name]runners.Runner, len(rs))
	for _, r := range rs {
		byName[r.Name] = r
	}

	var dataErrs []error
	for _, inst := range instances {
		runner, ok := byName[inst.Name]
		var matched *runners.Runner
		if ok {
			matched = &runner
		}

		del, err := c.shouldDeleteInstance(inst, matched)
		if err != nil {
			c.logger.Error("skipping instance with bad metadata",
				slog.String("name", inst.Name.String()),
				slog.String("error", err.Error()),
			)
			dataErrs = append(dataErrs, err)
			continue
		}
		if !del {
			continue
		}

		if err := c.provider.DeleteInstance(ctx, inst.ID); err != nil {
			c.logger.Error("failed to delete instance",
				slog.String("name", inst.Name.String()),
				slog.String("id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if c.deleted != nil {
			c.deleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "instance")))
		}
		c.logger.Info("deleted orphaned instance",
			slog.String("name", inst.Name.String()),
			slog.String("id", inst.ID),
		)
	}

	live := make(map[identity.Name]provider.Instance, len(instances))
	for _, inst := range instances {
		if inst.Live() {
			live[inst.Name] = inst
		}
	}

	for _, r := range rs {
		if _, ok := live[r.Name]; ok {
			continue
		}

		if err := c.registrations.Remove(ctx, r.ID); err != nil {
			c.logger.Error("failed to delete runner registration",
				slog.String("name", r.Name.String()),
				slog.Int64("id", r.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if c.deleted != nil {
			c.deleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "registration")))
		}
		c.logger.Info("deleted stale runner registration",
			slog.String("name", r.Name.String()),
			slog.Int64("id", r.ID),
		)
	}

	return errors.Join(dataErrs...)
}

// shouldDeleteInstance applies the instance deletion policy: keep
// anything younger than the grace period unconditionally, otherwise
// keep only instances whose registration is busy or online.
func (c *Collector) shouldDeleteInstance(inst provider.Instance, runner *runners.Runner) (bool, error) {
	createdAt, err := time.Parse(time.RFC3339, inst.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("instance %s: invalid creation timestamp %q: %w", inst.Name, inst.CreatedAt, err)
	}

	age := c.now().Sub(createdAt)
	if age < c.gracePeriod {
		c.logger.Debug("instance within grace period, keeping",
			slog.String("name", inst.Name.String()),
			slog.Duration("age", age),
		)
		return false, nil
	}

	switch {
	case runner == nil:
		return true, nil
	case runner.Busy:
		return false, nil
	case runner.Online():
		return false, nil
	default:
		return true, nil
	}
}
