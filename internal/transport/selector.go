package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vmshift/internal/config"
	"vmshift/internal/controlplane"
	"vmshift/internal/errkind"
	"vmshift/internal/retry"
)

// Selector chooses a strategy from availability and requested fidelity,
// resolving control-plane metadata into an immutable Plan per attempt.
type Selector struct {
	Logger *zap.Logger
	CP     controlplane.Client // nil unless the source is vsphere
	Opener RangeOpener         // nil unless the source is vsphere

	// Strategies by name; populated by NewSelector, replaceable in tests.
	Strategies map[string]Strategy
}

// NewSelector wires the default strategy set.
func NewSelector(logger *zap.Logger, cp controlplane.Client, opener RangeOpener, policy retry.Policy) *Selector {
	return &Selector{
		Logger: logger,
		CP:     cp,
		Opener: opener,
		Strategies: map[string]Strategy{
			"v2v":         &V2VTool{Logger: logger},
			"vddk":        &VDDK{Logger: logger, Policy: policy},
			"http-ranged": &HTTPRanged{Logger: logger, Opener: opener, Policy: policy},
			"ssh":         &SSHCopy{Logger: logger, Policy: policy},
		},
	}
}

// candidates returns strategy names in the documented priority order for
// the requested fidelity.
func candidates(fidelity Fidelity) []string {
	switch fidelity {
	case FidelityConverted:
		return []string{"v2v", "vddk", "http-ranged", "ssh"}
	case FidelityExact:
		return []string{"http-ranged", "ssh"}
	case FidelityRaw:
		return []string{"vddk", "http-ranged", "ssh"}
	default:
		return []string{"ssh"}
	}
}

// buildPlan resolves everything a strategy will need. For vsphere sources
// this is where control-plane metadata (entity ref, backing path, capacity)
// enters the plan; strategies themselves never touch the control plane.
func (s *Selector) buildPlan(ctx context.Context, src config.Source) (Plan, error) {
	plan := Plan{
		Kind:        src.Kind,
		BackingPath: src.Path,
		Host:        src.Host,
		Port:        src.Port,
		User:        src.User,
		Password:    src.Password,
		Identity:    src.Identity,
		Server:      src.VCenter,
		Datacenter:  src.Datacenter,
		VCUser:      src.Username,
		VCPassword:  src.VCPassword,
		VMName:      src.VMName,
		Thumbprint:  src.Thumbprint,
		LibDir:      src.VDDKLibDir,
		Insecure:    src.Insecure,
	}

	if src.Kind != "vsphere" {
		return plan, nil
	}
	if s.CP == nil {
		return Plan{}, fmt.Errorf("vsphere source without control-plane session: %w", errkind.ErrSourceUnreachable)
	}

	ref, err := s.CP.FindEntity(ctx, src.VMName)
	if err != nil {
		return Plan{}, err
	}
	plan.Moref = ref.Moref

	disks, err := s.CP.ListDisks(ctx, ref)
	if err != nil {
		return Plan{}, err
	}
	if len(disks) == 0 {
		return Plan{}, fmt.Errorf("vm %q has no disks: %w", src.VMName, errkind.ErrInvalidJob)
	}

	// A datastore path in the source config picks the disk; default is the
	// first one.
	disk := disks[0]
	if src.Path != "" {
		found := false
		for _, d := range disks {
			if d.BackingFile == src.Path {
				disk = d
				found = true
				break
			}
		}
		if !found {
			return Plan{}, fmt.Errorf("vm %q has no disk backed by %q: %w", src.VMName, src.Path, errkind.ErrInvalidJob)
		}
	}

	plan.DiskKey = disk.Key
	plan.BackingPath = disk.BackingFile
	plan.ExpectedSize = disk.CapacityBytes

	// Sub-choice for the conversion tool: prefer the disk library when its
	// shared library and thumbprint check out, fall back to guest network.
	vddk := s.Strategies["vddk"]
	if vddk != nil && vddk.Validate(plan) == nil {
		plan.SubTransport = "vddk"
	} else {
		plan.SubTransport = "ssh"
	}

	return plan, nil
}

// Select resolves a Plan and picks the first available strategy in
// priority order for the fidelity.
func (s *Selector) Select(ctx context.Context, src config.Source, fidelity Fidelity) (Plan, Strategy, error) {
	plan, err := s.buildPlan(ctx, src)
	if err != nil {
		return Plan{}, nil, err
	}

	var reasons []error
	for _, name := range candidates(fidelity) {
		strat, ok := s.Strategies[name]
		if !ok {
			continue
		}
		if err := strat.Validate(plan); err != nil {
			s.Logger.Debug("strategy unavailable",
				zap.String("strategy", name),
				zap.String("reason", err.Error()),
			)
			reasons = append(reasons, err)
			continue
		}
		plan.Strategy = name
		s.Logger.Info("transport selected",
			zap.String("strategy", name),
			zap.String("fidelity", string(fidelity)),
		)
		return plan, strat, nil
	}

	return Plan{}, nil, fmt.Errorf("no usable transport for fidelity %q: %w (%v)",
		fidelity, errkind.ErrTransportUnavailable, errors.Join(reasons...))
}

// SelectAndFetch runs the selected strategy. An integrity mismatch discards
// the partial artifact and triggers exactly one re-fetch with a freshly
// computed plan; a second mismatch is terminal for the run.
func (s *Selector) SelectAndFetch(ctx context.Context, src config.Source, fidelity Fidelity, targetPath string) (Plan, error) {
	plan, strat, err := s.Select(ctx, src, fidelity)
	if err != nil {
		return Plan{}, err
	}

	err = strat.Fetch(ctx, plan, targetPath)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, errkind.ErrTransferIntegrityMismatch) {
		return plan, err
	}

	s.Logger.Warn("transfer integrity mismatch, re-fetching once",
		zap.String("strategy", plan.Strategy),
		zap.Error(err),
	)
	plan, strat, err = s.Select(ctx, src, fidelity)
	if err != nil {
		return Plan{}, err
	}
	if err := strat.Fetch(ctx, plan, targetPath); err != nil {
		return plan, err
	}
	return plan, nil
}
