// Package controlplane is the read-only inventory/metadata facade over the
// source hypervisor. Nothing here ever transfers disk-sized payloads; any
// call whose response scales with disk size belongs to a transport strategy.
package controlplane

import (
	"context"
	"errors"
)

// ErrNotFound is returned by point lookups that miss.
var ErrNotFound = errors.New("entity not found")

// EntityRef identifies an inventory object.
type EntityRef struct {
	Name  string
	Moref string
}

// DiskDescriptor describes one virtual disk attached to an entity.
type DiskDescriptor struct {
	Key           int32
	Label         string
	CapacityBytes int64
	BackingFile   string // datastore path, e.g. "[ds1] vm/vm.vmdk"
	ChangeID      string // current change-tracking id, empty when CBT is off
	UUID          string
}

// SnapshotRef identifies a snapshot created through CreateSnapshot.
type SnapshotRef struct {
	Moref string
	Name  string
}

// ChangeRange is one changed byte range reported by the source.
type ChangeRange struct {
	Offset int64
	Length int64
}

// ChangeSet is the ordered list of changed ranges between two change ids
// for one disk, plus the change id the sync converges to.
type ChangeSet struct {
	Ranges         []ChangeRange
	TargetChangeID string
}

// Client is the control-plane contract consumed by the pipeline.
// Implementations may cache small, rarely-changing lists, but point lookups
// must stay authoritative.
type Client interface {
	FindEntity(ctx context.Context, name string) (EntityRef, error)
	ListDisks(ctx context.Context, ref EntityRef) ([]DiskDescriptor, error)
	ResolveBackingPath(ctx context.Context, ref EntityRef, diskKey int32) (string, error)

	// CreateSnapshot calls against the same entity are serialized to avoid
	// racing snapshot state.
	CreateSnapshot(ctx context.Context, ref EntityRef, name string, quiesce bool) (SnapshotRef, error)
	RemoveSnapshot(ctx context.Context, ref EntityRef, snap SnapshotRef) error

	EnableChangeTracking(ctx context.Context, ref EntityRef) error
	QueryChangedRanges(ctx context.Context, ref EntityRef, diskKey int32, snap SnapshotRef, baseChangeID string) (ChangeSet, error)
}
