// Package provider defines the abstraction for compute backends that
// host ephemeral GitHub Actions runners.  Each backend (OpenStack, GCP)
// implements the Provider interface so the scaler and the garbage
// collector remain compute-agnostic.
package provider

import (
	"context"

	"github.com/vexxhost/github-actions-openstack/internal/identity"
)

// Status is a backend-neutral instance lifecycle status.  Backends
// normalize their own status vocabulary into these values.
type Status string

const (
	// StatusBuilding covers instances still being provisioned.
	StatusBuilding Status = "building"
	// StatusActive covers instances that are up and running.
	StatusActive Status = "active"
	// StatusDeleted covers instances that are gone or on their way out.
	StatusDeleted Status = "deleted"
	// StatusError covers instances the backend reports as failed.
	StatusError Status = "error"
	// StatusUnknown covers anything the backend reports that does not
	// map onto the values above.
	StatusUnknown Status = "unknown"
)

// Instance is an observed compute instance hosting (or intended to
// host) a runner.
type Instance struct {
	// ID is the backend identifier used for deletion.
	ID string

	// Name is the runner identity the instance was created under.
	Name identity.Name

	Status Status

	// CreatedAt is the RFC 3339 creation timestamp as reported by the
	// backend.  Parsing is deferred to the consumer so a malformed
	// value surfaces as a per-instance error rather than a lost listing.
	CreatedAt string
}

// Live reports whether the instance counts as a working or upcoming
// runner host.  Deleted and errored instances are not live.
func (i Instance) Live() bool {
	return i.Status == StatusActive || i.Status == StatusBuilding
}

// Spec describes how a pool's instances are built.  Fields the backend
// has no concept of are ignored by that backend.
type Spec struct {
	Image   string
	Flavor  string
	Network string
	KeyName string
}

// Provider is the contract every compute backend satisfies.
type Provider interface {
	// ListInstances returns all instances whose name carries the
	// managed fleet prefix, in any lifecycle state the backend still
	// reports.
	ListInstances(ctx context.Context) ([]Instance, error)

	// CreateInstance boots a new instance named after the runner
	// identity, with userData as its bootstrap payload.
	CreateInstance(ctx context.Context, name identity.Name, spec Spec, userData []byte) (Instance, error)

	// DeleteInstance removes the instance identified by id.  Deleting
	// an instance that is already gone is not an error.
	DeleteInstance(ctx context.Context, id string) error
}
