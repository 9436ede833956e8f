package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vexxhost/github-actions-openstack/internal/config"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockScaler struct {
	mu     sync.Mutex
	scaled []string // pool labels in call order
	errFor map[string]error
}

func (m *mockScaler) ScalePool(_ context.Context, pool config.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	label := pool.PrimaryLabel()
	m.scaled = append(m.scaled, label)
	return m.errFor[label]
}

func (m *mockScaler) scaledLabels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.scaled))
	copy(result, m.scaled)
	return result
}

type mockCollector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockCollector) Collect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockCollector) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ReconcilerSuite struct {
	suite.Suite
	scaler    *mockScaler
	collector *mockCollector
	logger    *slog.Logger
}

func (s *ReconcilerSuite) SetupTest() {
	s.scaler = &mockScaler{errFor: map[string]error{}}
	s.collector = &mockCollector{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pool(label string) config.Pool {
	return config.Pool{
		MinReady: 1,
		Runner:   config.PoolRunner{Labels: []string{label}},
	}
}

func (s *ReconcilerSuite) newReconciler(pools ...config.Pool) *Reconciler {
	return New(Config{
		Pools:     pools,
		Scaler:    s.scaler,
		Collector: s.collector,
		Interval:  time.Hour, // a single immediate cycle per test
		Logger:    s.logger,
	})
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

// ---------------------------------------------------------------------------
// Cycle behavior
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestRunCycle_ScalesPoolsInOrderThenCollects() {
	r := s.newReconciler(pool("small"), pool("large"), pool("gpu"))

	r.runCycle(context.Background())

	assert.Equal(s.T(), []string{"small", "large", "gpu"}, s.scaler.scaledLabels())
	assert.Equal(s.T(), 1, s.collector.callCount())
}

func (s *ReconcilerSuite) TestRunCycle_PoolFailureDoesNotStopOthers() {
	s.scaler.errFor["small"] = fmt.Errorf("github API rate limited")
	r := s.newReconciler(pool("small"), pool("large"))

	r.runCycle(context.Background())

	// The failed pool is logged and skipped; the next pool and the
	// collection pass still run.
	assert.Equal(s.T(), []string{"small", "large"}, s.scaler.scaledLabels())
	assert.Equal(s.T(), 1, s.collector.callCount())
}

func (s *ReconcilerSuite) TestRunCycle_CollectorFailureIsSwallowed() {
	s.collector.err = fmt.Errorf("compute API down")
	r := s.newReconciler(pool("small"))

	// Must not panic or propagate.
	r.runCycle(context.Background())
	assert.Equal(s.T(), 1, s.collector.callCount())
}

// ---------------------------------------------------------------------------
// Loop behavior
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestRun_ReconcilesImmediately() {
	r := s.newReconciler(pool("small"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	// The first cycle runs before the first tick.
	require.Eventually(s.T(), func() bool {
		return s.collector.callCount() >= 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(s.T(), err, context.Canceled)
}

func (s *ReconcilerSuite) TestRun_TicksUntilCanceled() {
	r := New(Config{
		Pools:     []config.Pool{pool("small")},
		Scaler:    s.scaler,
		Collector: s.collector,
		Interval:  5 * time.Millisecond,
		Logger:    s.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(s.T(), func() bool {
		return s.collector.callCount() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(s.T(), err, context.Canceled)
}

func (s *ReconcilerSuite) TestRun_PersistentFailuresDoNotStopLoop() {
	s.scaler.errFor["small"] = fmt.Errorf("still broken")
	s.collector.err = fmt.Errorf("also broken")

	r := New(Config{
		Pools:     []config.Pool{pool("small")},
		Scaler:    s.scaler,
		Collector: s.collector,
		Interval:  5 * time.Millisecond,
		Logger:    s.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	// Failing cycles keep coming.
	require.Eventually(s.T(), func() bool {
		return s.collector.callCount() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
