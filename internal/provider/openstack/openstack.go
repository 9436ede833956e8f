// Package openstack implements provider.Provider against an OpenStack
// compute endpoint using gophercloud.  Credentials come from a
// clouds.yaml profile selected by name; the authenticated session is
// refreshed on demand shortly before the token expires.
package openstack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	osclient "github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/tokens"
	"github.com/gophercloud/utils/v2/openstack/clientconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
)

// Config holds OpenStack-specific provider settings.
type Config struct {
	// Cloud is the clouds.yaml profile name (required).
	Cloud string

	// Region selects the compute endpoint region (optional).
	Region string

	// Prefix is the managed fleet name prefix.
	Prefix string
}

// Provider manages runner instances as OpenStack compute servers.
type Provider struct {
	session *session
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates an OpenStack provider from the named clouds.yaml profile
// and establishes the initial session.  A missing profile or a failed
// initial authentication is returned as an error; callers treat it as
// fatal at startup.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = identity.DefaultPrefix
	}

	authOpts, err := clientconfig.AuthOptions(&clientconfig.ClientOpts{Cloud: cfg.Cloud})
	if err != nil {
		return nil, fmt.Errorf("openstack profile %s: %w", cfg.Cloud, err)
	}
	// Reauth is handled by the session manager, not per-request.
	authOpts.AllowReauth = false

	refresh := func(ctx context.Context) (*gophercloud.ServiceClient, time.Time, error) {
		pc, err := osclient.AuthenticatedClient(ctx, *authOpts)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("authenticating against %s: %w", cfg.Cloud, err)
		}
		compute, err := osclient.NewComputeV2(pc, gophercloud.EndpointOpts{Region: cfg.Region})
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("discovering compute endpoint: %w", err)
		}
		return compute, tokenExpiry(pc), nil
	}

	p := &Provider{
		session: &session{refresh: refresh, now: time.Now},
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("autoscaler/provider/openstack"),
	}

	if _, err := p.session.ensure(ctx); err != nil {
		return nil, err
	}

	logger.Info("openstack provider initialized",
		slog.String("cloud", cfg.Cloud),
		slog.String("region", cfg.Region),
	)

	return p, nil
}

// ListInstances returns every server whose name carries the fleet prefix.
func (p *Provider) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.openstack.ListInstances")
	defer span.End()

	compute, err := p.session.ensure(ctx)
	if err != nil {
		return nil, err
	}

	pages, err := servers.List(compute, servers.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("extracting server list: %w", err)
	}

	var out []provider.Instance
	for _, s := range all {
		name := identity.Name(s.Name)
		if !name.Managed(p.cfg.Prefix) {
			continue
		}
		out = append(out, provider.Instance{
			ID:        s.ID,
			Name:      name,
			Status:    fromServerStatus(s.Status),
			CreatedAt: s.Created.UTC().Format(time.RFC3339),
		})
	}

	span.SetAttributes(attribute.Int("openstack.server_count", len(out)))
	return out, nil
}

// CreateInstance boots a server named after the runner identity with
// the cloud-init payload as user data.
func (p *Provider) CreateInstance(ctx context.Context, name identity.Name, spec provider.Spec, userData []byte) (provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.openstack.CreateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", name.String()),
		attribute.String("openstack.image", spec.Image),
		attribute.String("openstack.flavor", spec.Flavor),
	)

	compute, err := p.session.ensure(ctx)
	if err != nil {
		return provider.Instance{}, err
	}

	createOpts := servers.CreateOpts{
		Name:      name.String(),
		ImageRef:  spec.Image,
		FlavorRef: spec.Flavor,
		Networks:  []servers.Network{{UUID: spec.Network}},
		UserData:  userData,
	}
	var opts servers.CreateOptsBuilder = createOpts
	if spec.KeyName != "" {
		opts = keypairs.CreateOptsExt{CreateOptsBuilder: createOpts, KeyName: spec.KeyName}
	}

	srv, err := servers.Create(ctx, compute, opts, nil).Extract()
	if err != nil {
		return provider.Instance{}, fmt.Errorf("creating server %s: %w", name, err)
	}

	p.logger.Info("created server",
		slog.String("name", name.String()),
		slog.String("id", srv.ID),
	)

	return provider.Instance{
		ID:        srv.ID,
		Name:      name,
		Status:    provider.StatusBuilding,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DeleteInstance removes a server.  A 404 means the server is already
// gone and is treated as success.
func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "provider.openstack.DeleteInstance")
	defer span.End()
	span.SetAttributes(attribute.String("openstack.server_id", id))

	compute, err := p.session.ensure(ctx)
	if err != nil {
		return err
	}

	if err := servers.Delete(ctx, compute, id).ExtractErr(); err != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("deleting server %s: %w", id, err)
	}
	return nil
}

// fromServerStatus normalizes a Nova server status.
func fromServerStatus(status string) provider.Status {
	switch status {
	case "ACTIVE":
		return provider.StatusActive
	case "BUILD", "REBUILD":
		return provider.StatusBuilding
	case "DELETED", "SOFT_DELETED":
		return provider.StatusDeleted
	case "ERROR":
		return provider.StatusError
	default:
		return provider.StatusUnknown
	}
}

// tokenExpiry extracts the token expiry from a freshly authenticated
// provider client, falling back to the Keystone default of one hour
// when the auth result does not expose it.
func tokenExpiry(pc *gophercloud.ProviderClient) time.Time {
	if r, ok := pc.GetAuthResult().(tokens.CreateResult); ok {
		if tok, err := r.ExtractToken(); err == nil {
			return tok.ExpiresAt
		}
	}
	return time.Now().Add(time.Hour)
}
