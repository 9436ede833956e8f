package scaler

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
	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
	"github.com/vexxhost/github-actions-openstack/internal/runners"
)

// ---------------------------------------------------------------------------
// Mock registration service
// ---------------------------------------------------------------------------

type mockRegistrations struct {
	mu      sync.Mutex
	runners []runners.Runner // returned by List
	minted  []identity.Name  // names passed to Mint
	removed []int64          // ids passed to Remove

	listErr   error
	mintErr   error
	removeErr error
	nextID    int64
}

func (m *mockRegistrations) List(_ context.Context, _ string) ([]runners.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.runners, nil
}

func (m *mockRegistrations) Mint(_ context.Context, name identity.Name, _ int64, _ []string) (*runners.JITConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mintErr != nil {
		return nil, m.mintErr
	}

	m.nextID++
	m.minted = append(m.minted, name)
	return &runners.JITConfig{
		Runner:  runners.Runner{ID: m.nextID, Name: name},
		Encoded: fmt.Sprintf("jit-config-for-%s", name),
	}, nil
}

func (m *mockRegistrations) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockRegistrations) mintedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.minted)
}

func (m *mockRegistrations) removedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]int64, len(m.removed))
	copy(result, m.removed)
	return result
}

// ---------------------------------------------------------------------------
// Mock provider
// ---------------------------------------------------------------------------

type mockProvider struct {
	mu       sync.Mutex
	created  []identity.Name
	userData []string // cloud-init payloads passed to CreateInstance
	deleted  []string

	createErr error

	// block, when non-nil, is closed to release in-flight CreateInstance
	// calls.  inflight and maxInflight track the concurrency high-water
	// mark while blocked.
	block       chan struct{}
	inflight    int
	maxInflight int
}

func (m *mockProvider) ListInstances(_ context.Context) ([]provider.Instance, error) {
	return nil, nil
}

func (m *mockProvider) CreateInstance(_ context.Context, name identity.Name, _ provider.Spec, userData []byte) (provider.Instance, error) {
	m.mu.Lock()
	if m.createErr != nil {
		m.mu.Unlock()
		return provider.Instance{}, m.createErr
	}
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	m.created = append(m.created, name)
	m.userData = append(m.userData, string(userData))
	return provider.Instance{ID: fmt.Sprintf("inst-%d", len(m.created)), Name: name, Status: provider.StatusBuilding}, nil
}

func (m *mockProvider) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockProvider) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ScalerSuite struct {
	suite.Suite
	ctx           context.Context
	registrations *mockRegistrations
	provider      *mockProvider
	logger        *slog.Logger
}

func (s *ScalerSuite) SetupTest() {
	s.ctx = context.Background()
	s.registrations = &mockRegistrations{}
	s.provider = &mockProvider{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ScalerSuite) newScaler(maxConcurrent int) *Scaler {
	return New(Config{
		Registrations: s.registrations,
		Provider:      s.provider,
		Prefix:        "gha",
		MaxConcurrent: maxConcurrent,
		Logger:        s.logger,
	})
}

func (s *ScalerSuite) pool(minReady int) config.Pool {
	return config.Pool{
		MinReady: minReady,
		Runner: config.PoolRunner{
			GroupID: 1,
			Labels:  []string{"openstack-small", "self-hosted"},
		},
		Instance: config.PoolInstance{
			Image:       "ubuntu-24.04",
			Flavor:      "m1.small",
			Network:     "private",
			RunnerUser:  "runner",
			RunnerGroup: "runner",
		},
	}
}

func idleRunner(id int64, name string) runners.Runner {
	return runners.Runner{ID: id, Name: identity.Name(name), Busy: false, Status: runners.StatusOnline}
}

func busyRunner(id int64, name string) runners.Runner {
	return runners.Runner{ID: id, Name: identity.Name(name), Busy: true, Status: runners.StatusOnline}
}

func TestScalerSuite(t *testing.T) {
	suite.Run(t, new(ScalerSuite))
}

// ---------------------------------------------------------------------------
// Deficit measurement
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScalePool_CoversDeficit() {
	s.registrations.runners = []runners.Runner{idleRunner(1, "gha-aaaaa")}
	sc := s.newScaler(4)

	// min_ready=3, idle=1 -> exactly 2 attempts
	err := sc.ScalePool(s.ctx, s.pool(3))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, s.registrations.mintedCount())
	assert.Equal(s.T(), 2, s.provider.createdCount())
}

func (s *ScalerSuite) TestScalePool_NoDeficit() {
	s.registrations.runners = []runners.Runner{
		idleRunner(1, "gha-aaaaa"),
		idleRunner(2, "gha-bbbbb"),
		idleRunner(3, "gha-ccccc"),
	}
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(3))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.registrations.mintedCount())
	assert.Equal(s.T(), 0, s.provider.createdCount())
}

func (s *ScalerSuite) TestScalePool_SurplusClampsToZero() {
	s.registrations.runners = []runners.Runner{
		idleRunner(1, "gha-aaaaa"),
		idleRunner(2, "gha-bbbbb"),
		idleRunner(3, "gha-ccccc"),
		idleRunner(4, "gha-ddddd"),
		idleRunner(5, "gha-eeeee"),
	}
	sc := s.newScaler(4)

	// idle=5 > min_ready=2: surplus is never scaled down here
	err := sc.ScalePool(s.ctx, s.pool(2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.registrations.mintedCount())
	assert.Equal(s.T(), 0, s.provider.createdCount())
}

func (s *ScalerSuite) TestScalePool_BusyRunnersNotIdle() {
	s.registrations.runners = []runners.Runner{
		busyRunner(1, "gha-aaaaa"),
		busyRunner(2, "gha-bbbbb"),
		idleRunner(3, "gha-ccccc"),
	}
	sc := s.newScaler(4)

	// Only the single non-busy runner counts toward min_ready=3
	err := sc.ScalePool(s.ctx, s.pool(3))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, s.registrations.mintedCount())
}

func (s *ScalerSuite) TestScalePool_ListFailure() {
	s.registrations.listErr = fmt.Errorf("github API rate limited")
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(3))
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github API rate limited")
	assert.Equal(s.T(), 0, s.registrations.mintedCount())
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScalePool_BoundsConcurrency() {
	s.provider.block = make(chan struct{})
	sc := s.newScaler(4)

	done := make(chan error, 1)
	go func() {
		done <- sc.ScalePool(s.ctx, s.pool(10))
	}()

	// Wait until the cap is saturated, then release everything.
	require.Eventually(s.T(), func() bool {
		s.provider.mu.Lock()
		defer s.provider.mu.Unlock()
		return s.provider.inflight == 4
	}, time.Second, time.Millisecond)

	close(s.provider.block)
	require.NoError(s.T(), <-done)

	assert.Equal(s.T(), 10, s.provider.createdCount())
	assert.Equal(s.T(), 4, s.provider.maxInflight)
}

// ---------------------------------------------------------------------------
// Two-phase provisioning and compensation
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestProvision_RendersBootstrap() {
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(1))
	require.NoError(s.T(), err)
	require.Len(s.T(), s.provider.userData, 1)

	assert.Contains(s.T(), s.provider.userData[0], "#cloud-config")
	assert.Contains(s.T(), s.provider.userData[0], "jit-config-for-"+string(s.registrations.minted[0]))
}

func (s *ScalerSuite) TestProvision_CreateFailureRevokesRegistration() {
	s.provider.createErr = fmt.Errorf("quota exceeded")
	sc := s.newScaler(4)

	// Attempt failures are absorbed: the next cycle re-measures.
	err := sc.ScalePool(s.ctx, s.pool(2))
	require.NoError(s.T(), err)

	// Both minted registrations were revoked.
	assert.Equal(s.T(), 2, s.registrations.mintedCount())
	assert.ElementsMatch(s.T(), []int64{1, 2}, s.registrations.removedIDs())
	assert.Equal(s.T(), 0, s.provider.createdCount())
}

func (s *ScalerSuite) TestProvision_MintFailureSkipsInstance() {
	s.registrations.mintErr = fmt.Errorf("runner registration denied")
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(1))
	require.NoError(s.T(), err)

	// Nothing to compensate: no instance was attempted and no
	// registration exists to revoke.
	assert.Equal(s.T(), 0, s.provider.createdCount())
	assert.Empty(s.T(), s.registrations.removedIDs())
}

func (s *ScalerSuite) TestProvision_RevokeFailureDoesNotEscalate() {
	s.provider.createErr = fmt.Errorf("quota exceeded")
	s.registrations.removeErr = fmt.Errorf("registration already gone")
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(1))
	require.NoError(s.T(), err)
	assert.Empty(s.T(), s.registrations.removedIDs())
}

func (s *ScalerSuite) TestProvision_AttemptsAreIndependent() {
	// One attempt fails at the provider, the rest still complete.
	// Attempts run serialized so the failure lands deterministically.
	first := true
	fp := &flakyProvider{inner: s.provider, failFirst: &first}
	sc := New(Config{
		Registrations: s.registrations,
		Provider:      fp,
		Prefix:        "gha",
		MaxConcurrent: 1,
		Logger:        s.logger,
	})

	err := sc.ScalePool(s.ctx, s.pool(3))
	require.NoError(s.T(), err)

	// 3 mints, first create failed and was revoked, 2 instances exist.
	assert.Equal(s.T(), 3, s.registrations.mintedCount())
	assert.Equal(s.T(), 2, s.provider.createdCount())
	assert.Len(s.T(), s.registrations.removedIDs(), 1)
}

type flakyProvider struct {
	mu        sync.Mutex
	inner     *mockProvider
	failFirst *bool
}

func (f *flakyProvider) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	return f.inner.ListInstances(ctx)
}

func (f *flakyProvider) CreateInstance(ctx context.Context, name identity.Name, spec provider.Spec, userData []byte) (provider.Instance, error) {
	f.mu.Lock()
	if *f.failFirst {
		*f.failFirst = false
		f.mu.Unlock()
		return provider.Instance{}, fmt.Errorf("transient boot failure")
	}
	f.mu.Unlock()
	return f.inner.CreateInstance(ctx, name, spec, userData)
}

func (f *flakyProvider) DeleteInstance(ctx context.Context, id string) error {
	return f.inner.DeleteInstance(ctx, id)
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestProvision_GeneratedNamesAreManaged() {
	sc := s.newScaler(4)

	err := sc.ScalePool(s.ctx, s.pool(3))
	require.NoError(s.T(), err)

	seen := make(map[identity.Name]bool)
	for _, name := range s.registrations.minted {
		assert.True(s.T(), name.Managed("gha"), "name %s should carry the managed prefix", name)
		assert.False(s.T(), seen[name], "duplicate generated name %s", name)
		seen[name] = true
	}
}
