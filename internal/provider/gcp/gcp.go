// Package gcp implements provider.Provider using Google Cloud Compute
// Engine.  The cloud-init bootstrap payload is delivered through the
// "user-data" metadata key, which cloud-init enabled images consume at
// first boot.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
	"github.com/vexxhost/github-actions-openstack/internal/provider"
)

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string

	// ServiceAccount is the service account email to attach to runner
	// VMs (optional).
	ServiceAccount string

	// Prefix is the managed fleet name prefix.
	Prefix string
}

// Provider manages runner instances as Compute Engine VMs.  The pool
// spec maps onto GCE as image -> source image, flavor -> machine type,
// network -> VPC network; key_name has no GCE equivalent (SSH keys are
// project metadata) and is ignored.
type Provider struct {
	client *compute.InstancesClient
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Prefix == "" {
		cfg.Prefix = identity.DefaultPrefix
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
	)

	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("autoscaler/provider/gcp"),
	}, nil
}

// ListInstances returns every VM in the zone whose name carries the
// fleet prefix.
func (p *Provider) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.ListInstances")
	defer span.End()

	it := p.client.List(ctx, &computepb.ListInstancesRequest{
		Project: p.cfg.Project,
		Zone:    p.cfg.Zone,
	})

	var out []provider.Instance
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing instances: %w", err)
		}

		name := identity.Name(inst.GetName())
		if !name.Managed(p.cfg.Prefix) {
			continue
		}
		out = append(out, provider.Instance{
			// The instance name is the opaque ID for GCE.
			ID:        inst.GetName(),
			Name:      name,
			Status:    fromInstanceStatus(inst.GetStatus()),
			CreatedAt: inst.GetCreationTimestamp(),
		})
	}

	span.SetAttributes(attribute.Int("gcp.instance_count", len(out)))
	return out, nil
}

// CreateInstance boots a VM named after the runner identity.
func (p *Provider) CreateInstance(ctx context.Context, name identity.Name, spec provider.Spec, userData []byte) (provider.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.CreateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", name.String()),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", spec.Flavor),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, spec.Flavor)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(spec.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", spec.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}

	instance := &computepb.Instance{
		Name:              proto.String(name.String()),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("user-data"),
					Value: proto.String(string(userData)),
				},
			},
		},
	}
	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return provider.Instance{}, fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return provider.Instance{}, fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	p.logger.Info("created instance",
		slog.String("name", name.String()),
		slog.String("zone", p.cfg.Zone),
	)

	return provider.Instance{
		ID:     name.String(),
		Name:   name,
		Status: provider.StatusBuilding,
	}, nil
}

// DeleteInstance removes a VM.  Deleting an already-deleted VM is not
// an error.
func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.DeleteInstance")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", id))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// fromInstanceStatus normalizes a GCE instance status.
func fromInstanceStatus(status string) provider.Status {
	switch status {
	case "RUNNING":
		return provider.StatusActive
	case "PROVISIONING", "STAGING":
		return provider.StatusBuilding
	case "STOPPING", "SUSPENDED", "TERMINATED":
		return provider.StatusDeleted
	default:
		return provider.StatusUnknown
	}
}

// isNotFound reports whether err is a 404 from the GCP API.  The
// google-cloud-go compute library wraps googleapi.Error through several
// layers, so string matching is the approach that survives library
// version changes.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 404") ||
		strings.Contains(msg, "code = NotFound") ||
		strings.Contains(msg, "notFound")
}
