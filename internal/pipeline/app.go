package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vmshift/internal/cbt"
	"vmshift/internal/chain"
	"vmshift/internal/checkpoint"
	"vmshift/internal/collab"
	"vmshift/internal/config"
	"vmshift/internal/controlplane"
	"vmshift/internal/errkind"
	"vmshift/internal/metrics"
	"vmshift/internal/retry"
	"vmshift/internal/transport"
)

// App wires the configuration into a runnable pipeline: checkpoint store,
// control plane, transports, collaborators and the orchestrator itself.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     checkpoint.Store
	collector *metrics.Collector

	vs       *controlplane.VSphere
	cp       controlplane.Client
	selector *transport.Selector
	sshcopy  *transport.SSHCopy
	ranged   *transport.HTTPRanged
	syncer   *cbt.Engine

	converter collab.Converter
	editor    collab.GuestEditor
	booter    collab.BootValidator

	registry *Registry
}

// NewApp builds the application from validated configuration.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Pipeline.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	var store checkpoint.Store
	var err error
	switch cfg.Pipeline.CheckpointStore {
	case "file":
		store, err = checkpoint.NewFileStore(cfg.Pipeline.CheckpointPath)
	default:
		store, err = checkpoint.NewSQLiteStore(cfg.Pipeline.CheckpointPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Pipeline.Retries,
		BaseBackoff: time.Duration(cfg.Pipeline.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Retryable:   retry.Transient,
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		collector: metrics.New(),
		sshcopy:   &transport.SSHCopy{Logger: logger, Policy: policy},
		syncer: &cbt.Engine{
			Logger:  logger,
			Workers: cfg.Pipeline.SyncWorkers,
			Policy:  policy,
		},
		converter: &collab.QemuImg{Logger: logger},
		editor:    &collab.LibguestfsEditor{Logger: logger},
		booter:    &collab.QemuBoot{Logger: logger},
		registry:  NewRegistry(),
	}

	var cp controlplane.Client
	var opener transport.RangeOpener
	if cfg.Source.Kind == "vsphere" {
		vs, err := controlplane.ConnectVSphere(ctx, controlplane.VSphereConfig{
			URL:        cfg.Source.VCenter,
			Username:   cfg.Source.Username,
			Password:   cfg.Source.VCPassword,
			Datacenter: cfg.Source.Datacenter,
			Insecure:   cfg.Source.Insecure,
		}, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		app.vs = vs
		cp = vs
		opener = vs.Downloader()
	}
	app.cp = cp
	app.selector = transport.NewSelector(logger, cp, opener, policy)
	app.ranged = &transport.HTTPRanged{Logger: logger, Opener: opener, Policy: policy}

	return app, nil
}

// Close releases the store and any control-plane session.
func (a *App) Close(ctx context.Context) {
	if a.vs != nil {
		if err := a.vs.Close(ctx); err != nil {
			a.logger.Warn("vsphere logout failed", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("checkpoint store close failed", zap.Error(err))
	}
}

// Run executes the configured migration and blocks until it finishes.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.collector.Serve(ctx, a.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	job := NewJob(a.cfg.Source, a.cfg.Target)
	job.Workdir = filepath.Join(a.cfg.Pipeline.Workdir, job.ID)
	if err := os.MkdirAll(job.Workdir, 0o755); err != nil {
		return err
	}
	if a.cfg.Pipeline.SkipFix {
		job.Disabled[StageFix] = true
	}
	if a.cfg.Pipeline.SkipValidate {
		job.Disabled[StageValidate] = true
	}
	job.Refresh = a.cfg.Pipeline.Refresh

	orch := &Orchestrator{
		Logger:  a.logger,
		Store:   a.store,
		Metrics: a.collector,
		Stages: map[string]StageFunc{
			StageFetch:    a.fetchStage,
			StageFlatten:  a.flattenStage,
			StageInspect:  a.inspectStage,
			StageFix:      a.fixStage,
			StageConvert:  a.convertStage,
			StageValidate: a.validateStage,
		},
	}

	pool := NewPool(a.cfg.Pipeline.Concurrency, orch, a.registry, a.collector, a.logger)
	return pool.Run(ctx, []*Job{job})
}

func outputFor(path string) (*checkpoint.Output, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &checkpoint.Output{Path: path, Size: st.Size()}, nil
}

// fetchStage acquires the source bytes into the job workdir. The mechanism
// depends on the source kind; each one leaves job.Image pointing at the
// local chain leaf or disk image.
func (a *App) fetchStage(ctx context.Context, job *Job, rec *checkpoint.Record) (*checkpoint.Output, error) {
	switch job.Source.Kind {
	case "local":
		return a.fetchLocal(ctx, job)
	case "ssh":
		return a.fetchSSH(ctx, job)
	case "vsphere":
		return a.fetchVSphere(ctx, job, rec)
	default:
		return nil, fmt.Errorf("source kind %q: %w", job.Source.Kind, errkind.ErrInvalidJob)
	}
}

func (a *App) fetchLocal(ctx context.Context, job *Job) (*checkpoint.Output, error) {
	c, err := chain.Resolve(ctx, chain.LocalSource{}, job.Source.Path)
	if err != nil {
		return nil, err
	}
	leaf := c.Leaf()
	a.logger.Info("local chain resolved",
		zap.Int("depth", len(c)),
		zap.String("leaf", leaf.BackingPath),
		zap.Int64("total_bytes", c.TotalSize()),
	)
	return &checkpoint.Output{Path: leaf.BackingPath, Size: leaf.Size}, nil
}

func (a *App) fetchSSH(ctx context.Context, job *Job) (*checkpoint.Output, error) {
	plan := transport.Plan{
		Kind:        "ssh",
		BackingPath: job.Source.Path,
		Host:        job.Source.Host,
		Port:        job.Source.Port,
		User:        job.Source.User,
		Password:    job.Source.Password,
		Identity:    job.Source.Identity,
	}
	if err := a.sshcopy.Validate(plan); err != nil {
		return nil, err
	}

	leaf, err := a.sshcopy.FetchTree(ctx, plan, job.Workdir)
	if err != nil {
		return nil, err
	}

	// The downloaded tree must resolve as a complete local chain before any
	// later stage trusts it.
	if _, err := chain.Resolve(ctx, chain.LocalSource{}, leaf); err != nil {
		return nil, err
	}

	out, err := outputFor(leaf)
	if err != nil {
		return nil, err
	}
	a.collector.AddBytes(out.Size)
	return out, nil
}

func (a *App) fetchVSphere(ctx context.Context, job *Job, rec *checkpoint.Record) (*checkpoint.Output, error) {
	base := filepath.Join(job.Workdir, "base.img")

	ref, err := a.cp.FindEntity(ctx, job.Source.VMName)
	if err != nil {
		return nil, err
	}
	if err := a.cp.EnableChangeTracking(ctx, ref); err != nil {
		// CBT is an optimization for later runs, not a requirement for
		// this one.
		a.logger.Warn("change tracking unavailable", zap.Error(err))
	}

	snap, err := a.cp.CreateSnapshot(ctx, ref, "vmshift-"+job.ID, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.cp.RemoveSnapshot(ctx, ref, snap); err != nil {
			a.logger.Warn("snapshot cleanup failed", zap.String("snapshot", snap.Name), zap.Error(err))
		}
	}()

	disk, err := a.pickDisk(ctx, ref, job.Source.Path)
	if err != nil {
		return nil, err
	}

	if rec.ChangeID != "" {
		if _, err := os.Stat(base); err == nil {
			out, serr := a.syncIncremental(ctx, job, rec, ref, snap, disk, base)
			if serr == nil {
				return out, nil
			}
			if !errors.Is(serr, errkind.ErrTransferIntegrityMismatch) {
				return nil, serr
			}
			a.logger.Warn("base image diverged from source capacity, re-fetching in full", zap.Error(serr))
		} else {
			a.logger.Warn("base image missing, falling back to full fetch", zap.String("base", base))
		}
		rec.ChangeID = ""
	}

	plan, err := a.selector.SelectAndFetch(ctx, job.Source, transport.Fidelity(job.Target.Fidelity), base)
	if err != nil {
		return nil, err
	}
	a.logger.Info("full fetch complete", zap.String("strategy", plan.Strategy))

	out, err := outputFor(base)
	if err != nil {
		return nil, err
	}

	// Record the change id current as of the snapshot so the next run can
	// sync deltas onto the base instead of re-pulling everything. Only an
	// exact full-capacity artifact can be patched by offset; a converted
	// image never qualifies.
	if disk.ChangeID != "" && plan.Strategy != "v2v" && out.Size == disk.CapacityBytes {
		rec.ChangeID = disk.ChangeID
	}

	a.collector.AddBytes(out.Size)
	return out, nil
}

func (a *App) pickDisk(ctx context.Context, ref controlplane.EntityRef, backing string) (controlplane.DiskDescriptor, error) {
	disks, err := a.cp.ListDisks(ctx, ref)
	if err != nil {
		return controlplane.DiskDescriptor{}, err
	}
	if len(disks) == 0 {
		return controlplane.DiskDescriptor{}, fmt.Errorf("entity %s has no disks: %w", ref.Name, errkind.ErrInvalidJob)
	}
	if backing == "" {
		return disks[0], nil
	}
	for _, d := range disks {
		if d.BackingFile == backing {
			return d, nil
		}
	}
	return controlplane.DiskDescriptor{}, fmt.Errorf("no disk backed by %q: %w", backing, errkind.ErrInvalidJob)
}

type rangeSource struct {
	ranged *transport.HTTPRanged
	plan   transport.Plan
}

func (r rangeSource) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	return r.ranged.ReadRange(ctx, r.plan, offset, length)
}

func (a *App) syncIncremental(ctx context.Context, job *Job, rec *checkpoint.Record,
	ref controlplane.EntityRef, snap controlplane.SnapshotRef,
	disk controlplane.DiskDescriptor, base string) (*checkpoint.Output, error) {

	set, err := a.cp.QueryChangedRanges(ctx, ref, disk.Key, snap, rec.ChangeID)
	if err != nil {
		return nil, err
	}

	reader := rangeSource{
		ranged: a.ranged,
		plan:   transport.Plan{Kind: "vsphere", BackingPath: disk.BackingFile},
	}
	res, err := a.syncer.Sync(ctx, reader, base, disk.CapacityBytes, set)
	if err != nil {
		return nil, err
	}

	if res.TargetChange != "" {
		rec.ChangeID = res.TargetChange
	}
	a.collector.AddBytes(res.Bytes)
	a.collector.AddSyncRanges(res.Ranges)

	return outputFor(base)
}

// flattenStage collapses the fetched chain into one self-contained image.
// Local sources with a single base disk pass through unchanged unless
// flattening was explicitly requested.
func (a *App) flattenStage(ctx context.Context, job *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
	if job.Image == "" {
		return nil, fmt.Errorf("no fetched image to flatten: %w", errkind.ErrInvalidJob)
	}

	needsFlatten := job.Target.Flatten
	if job.Source.Kind == "local" || job.Source.Kind == "ssh" {
		c, err := chain.Resolve(ctx, chain.LocalSource{}, job.Image)
		if err == nil && len(c) > 1 {
			needsFlatten = true
		}
	}
	if !needsFlatten {
		a.logger.Info("flatten not needed", zap.String("image", job.Image))
		return outputFor(job.Image)
	}

	flat := filepath.Join(job.Workdir, "flat.qcow2")
	if err := a.converter.Flatten(ctx, job.Image, flat, "qcow2"); err != nil {
		return nil, err
	}
	return outputFor(flat)
}

// inspectStage probes the guest OS and persists the profile as the stage
// artifact so a resumed run can reload it without re-inspecting.
func (a *App) inspectStage(ctx context.Context, job *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
	profile, err := a.editor.Inspect(ctx, job.Image)
	if err != nil {
		return nil, err
	}
	job.Profile = profile

	data, err := yaml.Marshal(profile)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(job.Workdir, "profile.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}

	return outputFor(path)
}

// loadProfile restores the inspect artifact on resume.
func (a *App) loadProfile(job *Job) error {
	data, err := os.ReadFile(filepath.Join(job.Workdir, "profile.yaml"))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &job.Profile)
}

// fixStage applies offline guest mutations so the image boots on the new
// hypervisor. Re-application is safe, so a half-finished fix just re-runs.
func (a *App) fixStage(ctx context.Context, job *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
	if job.Profile == (collab.GuestProfile{}) {
		if err := a.loadProfile(job); err != nil {
			return nil, fmt.Errorf("guest profile unavailable: %w", err)
		}
	}

	opts := collab.FixOptions{
		RemoveVMwareTools: true,
	}
	if !job.Profile.Windows {
		opts.UpdateGrub = true
		opts.RegenInitramfs = true
	}

	report, err := a.editor.ApplyFixes(ctx, job.Image, job.Profile, opts)
	if err != nil {
		return nil, err
	}
	a.logger.Info("guest fixes applied", zap.Strings("changes", report.Changes))
	return outputFor(job.Image)
}

// convertStage produces the final target image, with an optional sidecar
// checksum for downstream verification.
func (a *App) convertStage(ctx context.Context, job *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
	if err := os.MkdirAll(filepath.Dir(job.Target.OutputPath), 0o755); err != nil {
		return nil, err
	}
	if err := a.converter.Convert(ctx, job.Image, job.Target.OutputPath, job.Target.Format, job.Target.Compress); err != nil {
		return nil, err
	}

	out, err := outputFor(job.Target.OutputPath)
	if err != nil {
		return nil, err
	}
	if job.Target.Checksum {
		sum, err := fileSHA256(job.Target.OutputPath)
		if err != nil {
			return nil, err
		}
		out.SHA256 = sum
		sidecar := job.Target.OutputPath + ".sha256"
		line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(job.Target.OutputPath))
		if err := os.WriteFile(sidecar, []byte(line), 0o644); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// validateStage boot-tests the converted image headless.
func (a *App) validateStage(ctx context.Context, job *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
	if job.Profile == (collab.GuestProfile{}) {
		if err := a.loadProfile(job); err != nil {
			a.logger.Warn("guest profile unavailable for boot test", zap.Error(err))
		}
	}

	timeout := time.Duration(a.cfg.Pipeline.BootTimeoutSec) * time.Second
	outcome, err := a.booter.Boot(ctx, job.Target.OutputPath, job.Profile, timeout)
	if err != nil {
		return nil, err
	}
	if outcome != collab.BootReached {
		return nil, fmt.Errorf("boot smoke test %s for %s", outcome, job.Target.OutputPath)
	}
	return nil, nil
}
