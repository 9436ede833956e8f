// Package runners is a thin client over the GitHub self-hosted runners
// API for one organization.  It exhausts pagination, filters results to
// the managed fleet prefix, and exposes the three operations the
// reconciler needs: list, mint a JIT config, and remove a registration.
package runners

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	gh "github.com/google/go-github/v69/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
)

// StatusOnline is the registration status reported once the runner
// process inside an instance has connected to GitHub.
const StatusOnline = "online"

// Runner is an observed runner registration.
type Runner struct {
	ID     int64
	Name   identity.Name
	Busy   bool
	Status string
	Labels []string
}

// Online reports whether the registration's runner process is connected.
func (r Runner) Online() bool {
	return r.Status == StatusOnline
}

// JITConfig is a freshly minted just-in-time runner configuration.  The
// registration it names exists from this point on and must be revoked
// if no instance ends up exchanging the encoded config.
type JITConfig struct {
	Runner  Runner
	Encoded string
}

// Config holds the client settings.
type Config struct {
	// Org is the GitHub organization owning the runners.
	Org string

	// Token is a personal access token with organization admin scope.
	Token string

	// Prefix is the managed fleet name prefix.  Registrations outside
	// the prefix are invisible to this client.
	Prefix string

	// BaseURL overrides the GitHub API endpoint (tests, GHES).
	// Must end with a trailing slash.
	BaseURL string

	Logger *slog.Logger
}

// Client talks to the GitHub Actions self-hosted runners API.
type Client struct {
	api    *gh.Client
	org    string
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	api := gh.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url %s: %w", cfg.BaseURL, err)
		}
		api.BaseURL = u
		api.UploadURL = u
	}
	if cfg.Prefix == "" {
		cfg.Prefix = identity.DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		api:    api,
		org:    cfg.Org,
		prefix: cfg.Prefix,
		logger: cfg.Logger,
		tracer: otel.Tracer("autoscaler/runners"),
	}, nil
}

// List returns all managed-prefix registrations in the organization.
// When label is non-empty only registrations carrying that label are
// returned.  Pagination is exhausted before returning.
func (c *Client) List(ctx context.Context, label string) ([]Runner, error) {
	ctx, span := c.tracer.Start(ctx, "runners.List")
	defer span.End()
	span.SetAttributes(attribute.String("github.org", c.org), attribute.String("runner.label", label))

	var out []Runner
	opts := &gh.ListRunnersOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := c.api.Actions.ListOrganizationRunners(ctx, c.org, opts)
		if err != nil {
			return nil, fmt.Errorf("list runners for %s: %w", c.org, err)
		}
		for _, r := range page.Runners {
			runner := fromAPI(r)
			if !runner.Name.Managed(c.prefix) {
				continue
			}
			if label != "" && !slices.Contains(runner.Labels, label) {
				continue
			}
			out = append(out, runner)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	span.SetAttributes(attribute.Int("runner.count", len(out)))
	return out, nil
}

// Mint creates a just-in-time configuration registering name in the
// given runner group with the given labels.  The returned config is
// single-use and must reach a booting instance or be revoked.
func (c *Client) Mint(ctx context.Context, name identity.Name, groupID int64, labels []string) (*JITConfig, error) {
	ctx, span := c.tracer.Start(ctx, "runners.Mint")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", name.String()),
		attribute.Int64("runner.group_id", groupID),
	)

	jit, _, err := c.api.Actions.GenerateOrgJITConfig(ctx, c.org, &gh.GenerateJITConfigRequest{
		Name:          name.String(),
		RunnerGroupID: groupID,
		Labels:        labels,
	})
	if err != nil {
		return nil, fmt.Errorf("mint jit config for %s: %w", name, err)
	}

	c.logger.Info("minted runner jit config",
		slog.String("name", name.String()),
		slog.Int64("groupID", groupID),
	)

	return &JITConfig{
		Runner:  fromAPI(jit.Runner),
		Encoded: jit.GetEncodedJITConfig(),
	}, nil
}

// Remove revokes the registration identified by id.
func (c *Client) Remove(ctx context.Context, id int64) error {
	ctx, span := c.tracer.Start(ctx, "runners.Remove")
	defer span.End()
	span.SetAttributes(attribute.Int64("runner.id", id))

	if _, err := c.api.Actions.RemoveOrganizationRunner(ctx, c.org, id); err != nil {
		return fmt.Errorf("remove runner %d: %w", id, err)
	}
	return nil
}

func fromAPI(r *gh.Runner) Runner {
	if r == nil {
		return Runner{}
	}
	out := Runner{
		ID:     r.GetID(),
		Name:   identity.Name(r.GetName()),
		Busy:   r.GetBusy(),
		Status: r.GetStatus(),
	}
	for _, l := range r.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
