// Package transport moves disk bytes from a source to a local target.
// It keeps a strict split from the control plane: strategies receive a
// fully resolved Plan and never do inventory lookups themselves.
package transport

import (
	"context"
)

// Fidelity is the requested trade-off between exactness and conversion.
type Fidelity string

const (
	// FidelityConverted asks for a guest-aware, reformatted image.
	FidelityConverted Fidelity = "converted"
	// FidelityExact asks for a byte-for-byte artifact pull.
	FidelityExact Fidelity = "exact"
	// FidelityRaw asks for the fastest raw read of a single disk.
	FidelityRaw Fidelity = "raw"
)

// Plan is the selector's output: the chosen strategy plus every
// control-plane-derived parameter that strategy needs. A Plan is immutable
// once computed for a fetch attempt and recomputed on retry.
type Plan struct {
	Strategy string

	// Resolved source location.
	Kind         string // local | ssh | vsphere
	BackingPath  string // datastore path, remote path, or local path
	ExpectedSize int64  // source-reported size; 0 when unknown
	DiskKey      int32

	// SSH endpoint.
	Host     string
	Port     int
	User     string
	Password string
	Identity string

	// vSphere endpoint.
	Server     string
	Datacenter string
	VCUser     string
	VCPassword string
	VMName     string
	Moref      string
	Thumbprint string
	LibDir     string
	Insecure   bool

	// SubTransport is the conversion tool's inner data mover: "vddk" when
	// the disk library is usable, "ssh" as the guest-network fallback.
	SubTransport string
}

// Strategy is one pluggable data mover.
type Strategy interface {
	Name() string

	// Validate fails fast with a specific error kind (wrapping
	// errkind.ErrTransportUnavailable) when required libraries, tools or
	// credentials are missing, before any byte moves.
	Validate(plan Plan) error

	// Fetch streams the disk into targetPath. It writes to a temporary
	// suffix and promotes atomically only after the size matches the
	// source-reported size. Transient failures are retried internally.
	Fetch(ctx context.Context, plan Plan, targetPath string) error
}
