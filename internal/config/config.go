// Package config handles loading, validating, and applying
// configuration for the autoscaler.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
	"github.com/vexxhost/github-actions-openstack/internal/provider/gcp"
	"github.com/vexxhost/github-actions-openstack/internal/provider/openstack"
	"github.com/vexxhost/github-actions-openstack/internal/runners"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Provider   ProviderConfig   `yaml:"provider"`
	Pools      []Pool           `yaml:"pools"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds the organization and credentials for the runners API.
type GitHubConfig struct {
	// Org is the GitHub organization owning the self-hosted runners.
	Org string `yaml:"org"`

	// Token is a personal access token with organization admin scope.
	Token string `yaml:"token"`

	// TokenPath reads the token from a file.  If both Token and
	// TokenPath are set, Token wins.
	TokenPath string `yaml:"token_path"`

	// WebhookSecret verifies inbound webhook signatures.  Empty
	// disables verification.
	WebhookSecret string `yaml:"webhook_secret"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects and configures the compute backend.
type ProviderConfig struct {
	// Type selects the compute backend: "openstack" (default) or "gcp".
	Type string `yaml:"type"`

	// OpenStack holds OpenStack settings.  Only read when Type == "openstack".
	OpenStack OpenStackConfig `yaml:"openstack"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPConfig `yaml:"gcp"`
}

// OpenStackConfig holds OpenStack-specific provider settings.
type OpenStackConfig struct {
	// Cloud is the clouds.yaml profile name (required).
	Cloud string `yaml:"cloud"`

	// Region selects the compute endpoint region (optional).
	Region string `yaml:"region"`
}

// GCPConfig holds GCP Compute Engine provider settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPConfig struct {
	// Project is the GCP project ID (required when provider.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// ServiceAccount is the service account email to attach to runner
	// VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

// Pool is one scaling unit: a runner specification, an instance
// specification, and the minimum number of idle runners to keep ready.
// Pools are immutable for the process lifetime and independent of each
// other.
type Pool struct {
	MinReady int          `yaml:"min_ready"`
	Runner   PoolRunner   `yaml:"runner"`
	Instance PoolInstance `yaml:"instance"`
}

// PoolRunner describes the runner registrations a pool creates.
type PoolRunner struct {
	GroupID int64    `yaml:"group_id"`
	Labels  []string `yaml:"labels"`
}

// PoolInstance describes the instances a pool boots.
type PoolInstance struct {
	Image   string `yaml:"image"`
	Flavor  string `yaml:"flavor"`
	Network string `yaml:"network"`
	KeyName string `yaml:"key_name"`

	// RunnerUser and RunnerGroup are the local account the runner
	// process runs as inside the instance.  Default: "runner"/"runner".
	RunnerUser  string `yaml:"runner_user"`
	RunnerGroup string `yaml:"runner_group"`
}

// PrimaryLabel is the label the pool's idle-runner inventory is
// filtered by.
func (p Pool) PrimaryLabel() string {
	if len(p.Runner.Labels) == 0 {
		return ""
	}
	return p.Runner.Labels[0]
}

// Spec returns the provider-facing instance specification.
func (p Pool) Spec() provider.Spec {
	return provider.Spec{
		Image:   p.Instance.Image,
		Flavor:  p.Instance.Flavor,
		Network: p.Instance.Network,
		KeyName: p.Instance.KeyName,
	}
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is the delay between reconciliation cycles.  Default: 30s.
	Interval Duration `yaml:"interval"`

	// MaxConcurrent caps in-flight provisioning attempts per pool.
	// Default: 4.
	MaxConcurrent int `yaml:"max_concurrent"`

	// AttemptTimeout bounds a single provisioning attempt.  Zero
	// disables the timeout.  Default: 5m.
	AttemptTimeout Duration `yaml:"attempt_timeout"`

	// GracePeriod is the minimum instance age before it becomes
	// eligible for garbage collection.  Default: 5m.
	GracePeriod Duration `yaml:"grace_period"`

	// NamePrefix is the managed fleet name prefix.  Default: "gha".
	NamePrefix string `yaml:"name_prefix"`
}

// ---------------------------------------------------------------------------
// Server / logging / otel
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener serving the webhook, health,
// and metrics endpoints.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":3000".
	Addr string `yaml:"addr"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider.Type == "" {
		c.Provider.Type = "openstack"
	}
	if c.Provider.GCP.DiskSizeGB == 0 {
		c.Provider.GCP.DiskSizeGB = 50
	}
	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = Duration(30 * time.Second)
	}
	if c.Reconciler.MaxConcurrent == 0 {
		c.Reconciler.MaxConcurrent = 4
	}
	if c.Reconciler.AttemptTimeout == 0 {
		c.Reconciler.AttemptTimeout = Duration(5 * time.Minute)
	}
	if c.Reconciler.GracePeriod == 0 {
		c.Reconciler.GracePeriod = Duration(5 * time.Minute)
	}
	if c.Reconciler.NamePrefix == "" {
		c.Reconciler.NamePrefix = identity.DefaultPrefix
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Pools {
		if c.Pools[i].Instance.RunnerUser == "" {
			c.Pools[i].Instance.RunnerUser = "runner"
		}
		if c.Pools[i].Instance.RunnerGroup == "" {
			c.Pools[i].Instance.RunnerGroup = "runner"
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Org == "" {
		return fmt.Errorf("github.org is required")
	}
	if c.GitHub.Token == "" && c.GitHub.TokenPath == "" {
		return fmt.Errorf("no credentials: provide github.token or github.token_path")
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	for i, pool := range c.Pools {
		if pool.MinReady < 0 {
			return fmt.Errorf("pools[%d].min_ready must not be negative", i)
		}
		if len(pool.Runner.Labels) == 0 {
			return fmt.Errorf("pools[%d].runner.labels is required", i)
		}
		for j, l := range pool.Runner.Labels {
			if strings.TrimSpace(l) == "" {
				return fmt.Errorf("pools[%d].runner.labels[%d] is empty", i, j)
			}
		}
		if pool.Instance.Image == "" {
			return fmt.Errorf("pools[%d].instance.image is required", i)
		}
		if pool.Instance.Flavor == "" {
			return fmt.Errorf("pools[%d].instance.flavor is required", i)
		}
		if pool.Instance.Network == "" {
			return fmt.Errorf("pools[%d].instance.network is required", i)
		}
	}

	switch c.Provider.Type {
	case "openstack":
		if c.Provider.OpenStack.Cloud == "" {
			return fmt.Errorf("provider.openstack.cloud is required when provider.type is \"openstack\"")
		}
	case "gcp":
		if c.Provider.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("provider.type %q is not supported (supported: openstack, gcp)", c.Provider.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRunnersClient creates the GitHub runners client.
func (c *Config) NewRunnersClient(logger *slog.Logger) (*runners.Client, error) {
	if err := c.resolveToken(); err != nil {
		return nil, err
	}

	return runners.New(runners.Config{
		Org:    c.GitHub.Org,
		Token:  c.GitHub.Token,
		Prefix: c.Reconciler.NamePrefix,
		Logger: logger.WithGroup("runners"),
	})
}

// resolveToken reads the token from TokenPath if Token is not already set.
func (c *Config) resolveToken() error {
	if c.GitHub.Token != "" || c.GitHub.TokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.TokenPath)
	if err != nil {
		return fmt.Errorf("reading token from %s: %w", c.GitHub.TokenPath, err)
	}
	c.GitHub.Token = strings.TrimSpace(string(data))
	return nil
}

// NewProvider creates the compute backend selected by provider.type.
// A failure here (missing cloud profile, failed initial authentication)
// is fatal at startup.
func (c *Config) NewProvider(ctx context.Context, logger *slog.Logger) (provider.Provider, error) {
	switch c.Provider.Type {
	case "openstack":
		return openstack.New(ctx, openstack.Config{
			Cloud:  c.Provider.OpenStack.Cloud,
			Region: c.Provider.OpenStack.Region,
			Prefix: c.Reconciler.NamePrefix,
		}, logger.WithGroup("provider.openstack"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Provider.GCP.Project,
			Zone:           c.Provider.GCP.Zone,
			DiskSizeGB:     c.Provider.GCP.DiskSizeGB,
			Subnet:         c.Provider.GCP.Subnet,
			ServiceAccount: c.Provider.GCP.ServiceAccount,
			Prefix:         c.Reconciler.NamePrefix,
		}, logger.WithGroup("provider.gcp"))
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
}
