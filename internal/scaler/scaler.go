// Package scaler implements the per-pool scale-up decision: it measures
// the idle-runner deficit against the pool's minimum and covers it with
// bounded-concurrency provisioning attempts, each of which unwinds its
// own partial progress on failure.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vexxhost/github-actions-openstack/internal/cloudinit"
	"github.com/vexxhost/github-actions-openstack/internal/config"
	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
	"github.com/vexxhost/github-actions-openstack/internal/runners"
)

// RegistrationService is the slice of the runners client the scaler
// needs.
type RegistrationService interface {
	List(ctx context.Context, label string) ([]runners.Runner, error)
	Mint(ctx context.Context, name identity.Name, groupID int64, labels []string) (*runners.JITConfig, error)
	Remove(ctx context.Context, id int64) error
}

// Config holds the scaler's collaborators and tuning knobs.
type Config struct {
	Registrations RegistrationService
	Provider      provider.Provider

	// Prefix is the managed fleet name prefix for generated identities.
	Prefix string

	// MaxConcurrent caps in-flight provisioning attempts.  Default: 4.
	MaxConcurrent int

	// AttemptTimeout bounds one provisioning attempt end to end.
	// Zero disables the timeout.
	AttemptTimeout time.Duration

	Logger *slog.Logger
}

// Scaler provisions instances to cover a pool's idle-runner deficit.
type Scaler struct {
	registrations  RegistrationService
	provider       provider.Provider
	prefix         string
	maxConcurrent  int
	attemptTimeout time.Duration
	logger         *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	deficit         metric.Int64Gauge
}

// New creates a Scaler.
func New(cfg Config) *Scaler {
	if cfg.Prefix == "" {
		cfg.Prefix = identity.DefaultPrefix
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scaler{
		registrations:  cfg.Registrations,
		provider:       cfg.Provider,
		prefix:         cfg.Prefix,
		maxConcurrent:  cfg.MaxConcurrent,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("autoscaler/scaler"),
		meter:          otel.Meter("autoscaler/scaler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.attempts, err = s.meter.Int64Counter(
		"autoscaler.provision.attempts",
		metric.WithDescription("Total number of provisioning attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create attempts counter", slog.String("error", err.Error()))
	}

	s.attemptDuration, err = s.meter.Float64Histogram(
		"autoscaler.provision.duration",
		metric.WithDescription("Duration of one provisioning attempt (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create attemptDuration histogram", slog.String("error", err.Error()))
	}

	s.deficit, err = s.meter.Int64Gauge(
		"autoscaler.pool.deficit",
		metric.WithDescription("Idle-runner deficit observed for a pool"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deficit gauge", slog.String("error", err.Error()))
	}

	return s
}

// ScalePool measures the pool's idle-runner deficit and launches one
// provisioning attempt per missing runner, at most maxConcurrent in
// flight.  Attempts are independent: a failure in one neither cancels
// nor affects the others, and a cycle with some failed attempts is not
// itself an error -- the next cycle re-measures from fresh state.
func (s *Scaler) ScalePool(ctx context.Context, pool config.Pool) error {
	ctx, span := s.tracer.Start(ctx, "scaler.ScalePool")
	defer span.End()

	label := pool.PrimaryLabel()
	span.SetAttributes(
		attribute.String("pool.label", label),
		attribute.Int("pool.min_ready", pool.MinReady),
	)

	rs, err := s.registrations.List(ctx, label)
	if err != nil {
		return fmt.Errorf("listing runners for pool %s: %w", label, err)
	}

	idle := 0
	for _, r := range rs {
		if !r.Busy {
			idle++
		}
	}

	deficit := pool.MinReady - idle
	if deficit < 0 {
		deficit = 0
	}

	span.SetAttributes(
		attribute.Int("pool.idle", idle),
		attribute.Int("pool.deficit", deficit),
	)
	if s.deficit != nil {
		s.deficit.Record(ctx, int64(deficit), metric.WithAttributes(attribute.String("pool", label)))
	}

	s.logger.Info("completed runner inventory",
		slog.String("pool", label),
		slog.Int("total", len(rs)),
		slog.Int("idle", idle),
		slog.Int("deficit", deficit),
	)

	if deficit == 0 {
		s.logger.Debug("no scaling needed, pool has sufficient idle runners",
			slog.String("pool", label),
		)
		return nil
	}

	var succeeded, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for range deficit {
		g.Go(func() error {
			if err := s.provision(ctx, pool); err != nil {
				s.logger.Error("provisioning attempt failed",
					slog.String("pool", label),
					slog.String("error", err.Error()),
				)
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if s.attempts != nil {
		s.attempts.Add(ctx, succeeded.Load(), metric.WithAttributes(attribute.String("result", "ok")))
		s.attempts.Add(ctx, failed.Load(), metric.WithAttributes(attribute.String("result", "error")))
	}

	s.logger.Info("completed scaling operation",
		slog.String("pool", label),
		slog.Int("requested", deficit),
		slog.Int64("succeeded", succeeded.Load()),
		slog.Int64("failed", failed.Load()),
	)

	return nil
}

// provision runs one two-phase provisioning attempt: mint a JIT
// registration under a fresh identity, then boot an instance carrying
// it.  If anything after the mint fails, the registration is revoked so
// a runner with no backing instance never lingers; the revocation
// result never masks the primary error.
func (s *Scaler) provision(ctx context.Context, pool config.Pool) error {
	ctx, span := s.tracer.Start(ctx, "scaler.provision")
	defer span.End()

	if s.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	name := identity.Generate(s.prefix)
	span.SetAttributes(attribute.String("runner.name", name.String()))

	jit, err := s.registrations.Mint(ctx, name, pool.Runner.GroupID, pool.Runner.Labels)
	if err != nil {
		return fmt.Errorf("minting jit config for %s: %w", name, err)
	}

	if err := s.createInstance(ctx, name, pool, jit); err != nil {
		s.revoke(ctx, jit.Runner)
		return err
	}

	if s.attemptDuration != nil {
		s.attemptDuration.Record(ctx, time.Since(start).Seconds())
	}

	s.logger.Info("provisioned runner",
		slog.String("name", name.String()),
		slog.String("pool", pool.PrimaryLabel()),
	)

	return nil
}

func (s *Scaler) createInstance(ctx context.Context, name identity.Name, pool config.Pool, jit *runners.JITConfig) error {
	userData, err := cloudinit.Render(jit.Encoded, pool.Instance.RunnerUser, pool.Instance.RunnerGroup)
	if err != nil {
		return fmt.Errorf("rendering bootstrap for %s: %w", name, err)
	}

	if _, err := s.provider.CreateInstance(ctx, name, pool.Spec(), userData); err != nil {
		return fmt.Errorf("creating instance %s: %w", name, err)
	}
	return nil
}

// revoke is the compensating action for a failed attempt.  It runs on a
// context detached from the attempt's cancellation so a timed-out
// attempt can still clean up its registration.
func (s *Scaler) revoke(ctx context.Context, r runners.Runner) {
	s.logger.Info("revoking runner registration after failed attempt",
		slog.String("name", r.Name.String()),
	)

	if err := s.registrations.Remove(context.WithoutCancel(ctx), r.ID); err != nil {
		s.logger.Warn("failed to revoke runner registration, leaving it for the garbage collector",
			slog.String("name", r.Name.String()),
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
