package openstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud/v2"
)

// ErrMissingSession is returned when no session was ever established.
// The initial session is created during provider construction, so in
// practice this only surfaces on a misconstructed provider.
var ErrMissingSession = errors.New("missing openstack session")

// refreshLookahead is how close to expiry a token may get before a
// blocking refresh is performed.
const refreshLookahead = 10 * time.Second

// refreshFunc re-authorizes against the identity service and
// re-discovers the compute endpoint, returning the new compute handle
// and the token expiry.
type refreshFunc func(ctx context.Context) (*gophercloud.ServiceClient, time.Time, error)

// session owns the authenticated compute endpoint handle.  The refresh
// decision and the refresh itself run under one mutex, so concurrent
// provisioning attempts wait for a single in-flight refresh instead of
// issuing overlapping ones.
type session struct {
	refresh refreshFunc
	now     func() time.Time

	mu        sync.Mutex
	compute   *gophercloud.ServiceClient
	expiresAt time.Time
}

// ensure returns a compute handle that is valid for at least the
// refresh lookahead.  A refresh failure is propagated to the caller
// without retry; the next reconciliation cycle tries again.
func (s *session) ensure(ctx context.Context) (*gophercloud.ServiceClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refresh == nil {
		return nil, ErrMissingSession
	}

	if s.compute != nil && s.now().Add(refreshLookahead).Before(s.expiresAt) {
		return s.compute, nil
	}

	compute, expiresAt, err := s.refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing openstack session: %w", err)
	}
	s.compute = compute
	s.expiresAt = expiresAt

	return s.compute, nil
}
