package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"

	"vmshift/internal/errkind"
)

// VSphereConfig carries connection parameters for a vCenter or ESXi host.
type VSphereConfig struct {
	URL        string
	Username   string
	Password   string
	Datacenter string
	Insecure   bool
}

// VSphere implements Client against the vSphere API via govmomi.
type VSphere struct {
	c      *govmomi.Client
	finder *find.Finder
	logger *zap.Logger

	// Snapshot creation per entity is serialized.
	snapMu   sync.Mutex
	snapLock map[string]*sync.Mutex

	// Datastore objects are small and stable; cache them. Entity lookups
	// stay authoritative and are never cached.
	dsMu    sync.Mutex
	dsCache map[string]*object.Datastore
}

// ConnectVSphere authenticates and pins the datacenter for later lookups.
func ConnectVSphere(ctx context.Context, cfg VSphereConfig, logger *zap.Logger) (*VSphere, error) {
	u, err := soap.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse vcenter url %q: %w", cfg.URL, err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	c, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %v: %w", u.Host, err, errkind.ErrSourceUnreachable)
	}

	finder := find.NewFinder(c.Client, true)
	dc, err := finder.DatacenterOrDefault(ctx, cfg.Datacenter)
	if err != nil {
		return nil, fmt.Errorf("resolve datacenter %q: %w", cfg.Datacenter, err)
	}
	finder.SetDatacenter(dc)

	logger.Info("connected to vsphere",
		zap.String("host", u.Host),
		zap.String("datacenter", dc.Name()),
	)

	return &VSphere{
		c:        c,
		finder:   finder,
		logger:   logger,
		snapLock: make(map[string]*sync.Mutex),
		dsCache:  make(map[string]*object.Datastore),
	}, nil
}

// Close terminates the API session.
func (v *VSphere) Close(ctx context.Context) error {
	return v.c.Logout(ctx)
}

func (v *VSphere) vm(ref EntityRef) *object.VirtualMachine {
	return object.NewVirtualMachine(v.c.Client, types.ManagedObjectReference{
		Type:  "VirtualMachine",
		Value: ref.Moref,
	})
}

// FindEntity implements Client.
func (v *VSphere) FindEntity(ctx context.Context, name string) (EntityRef, error) {
	vm, err := v.finder.VirtualMachine(ctx, name)
	if err != nil {
		var nf *find.NotFoundError
		if errors.As(err, &nf) {
			return EntityRef{}, fmt.Errorf("vm %q: %w", name, ErrNotFound)
		}
		return EntityRef{}, fmt.Errorf("find vm %q: %w", name, err)
	}
	return EntityRef{Name: name, Moref: vm.Reference().Value}, nil
}

// ListDisks implements Client.
func (v *VSphere) ListDisks(ctx context.Context, ref EntityRef) ([]DiskDescriptor, error) {
	devices, err := v.vm(ref).Device(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices of %s: %w", ref.Name, err)
	}

	var disks []DiskDescriptor
	for _, dev := range devices {
		disk, ok := dev.(*types.VirtualDisk)
		if !ok {
			continue
		}
		d := DiskDescriptor{
			Key:           disk.Key,
			CapacityBytes: disk.CapacityInBytes,
		}
		if disk.DeviceInfo != nil {
			d.Label = disk.DeviceInfo.GetDescription().Label
		}
		if backing, ok := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo); ok {
			d.BackingFile = backing.FileName
			d.ChangeID = backing.ChangeId
			d.UUID = backing.Uuid
		}
		disks = append(disks, d)
	}
	return disks, nil
}

// ResolveBackingPath implements Client.
func (v *VSphere) ResolveBackingPath(ctx context.Context, ref EntityRef, diskKey int32) (string, error) {
	disks, err := v.ListDisks(ctx, ref)
	if err != nil {
		return "", err
	}
	for _, d := range disks {
		if d.Key == diskKey {
			if d.BackingFile == "" {
				return "", fmt.Errorf("disk key %d of %s has no file backing", diskKey, ref.Name)
			}
			return d.BackingFile, nil
		}
	}
	return "", fmt.Errorf("disk key %d of %s: %w", diskKey, ref.Name, ErrNotFound)
}

func (v *VSphere) entityLock(moref string) *sync.Mutex {
	v.snapMu.Lock()
	defer v.snapMu.Unlock()
	mu, ok := v.snapLock[moref]
	if !ok {
		mu = &sync.Mutex{}
		v.snapLock[moref] = mu
	}
	return mu
}

// CreateSnapshot implements Client.
func (v *VSphere) CreateSnapshot(ctx context.Context, ref EntityRef, name string, quiesce bool) (SnapshotRef, error) {
	mu := v.entityLock(ref.Moref)
	mu.Lock()
	defer mu.Unlock()

	task, err := v.vm(ref).CreateSnapshot(ctx, name, "created by vmshift", false, quiesce)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("create snapshot of %s: %w", ref.Name, err)
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("snapshot task of %s: %w", ref.Name, err)
	}
	snapRef, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return SnapshotRef{}, fmt.Errorf("snapshot task of %s returned %T", ref.Name, info.Result)
	}

	v.logger.Debug("snapshot created",
		zap.String("vm", ref.Name),
		zap.String("snapshot", name),
	)
	return SnapshotRef{Moref: snapRef.Value, Name: name}, nil
}

// RemoveSnapshot implements Client.
func (v *VSphere) RemoveSnapshot(ctx context.Context, ref EntityRef, snap SnapshotRef) error {
	mu := v.entityLock(ref.Moref)
	mu.Lock()
	defer mu.Unlock()

	task, err := v.vm(ref).RemoveSnapshot(ctx, snap.Name, false, nil)
	if err != nil {
		return fmt.Errorf("remove snapshot %q of %s: %w", snap.Name, ref.Name, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("remove snapshot task of %s: %w", ref.Name, err)
	}
	return nil
}

// EnableChangeTracking implements Client.
func (v *VSphere) EnableChangeTracking(ctx context.Context, ref EntityRef) error {
	spec := types.VirtualMachineConfigSpec{
		ChangeTrackingEnabled: types.NewBool(true),
	}
	task, err := v.vm(ref).Reconfigure(ctx, spec)
	if err != nil {
		return fmt.Errorf("enable change tracking on %s: %w", ref.Name, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("change tracking task of %s: %w", ref.Name, err)
	}
	return nil
}

// QueryChangedRanges implements Client. The API reports changed areas in
// windows, so the query loops until the whole capacity is covered.
func (v *VSphere) QueryChangedRanges(ctx context.Context, ref EntityRef, diskKey int32, snap SnapshotRef, baseChangeID string) (ChangeSet, error) {
	disks, err := v.ListDisks(ctx, ref)
	if err != nil {
		return ChangeSet{}, err
	}
	var capacity int64
	found := false
	for _, d := range disks {
		if d.Key == diskKey {
			capacity = d.CapacityBytes
			found = true
			break
		}
	}
	if !found {
		return ChangeSet{}, fmt.Errorf("disk key %d of %s: %w", diskKey, ref.Name, ErrNotFound)
	}

	snapMoref := types.ManagedObjectReference{Type: "VirtualMachineSnapshot", Value: snap.Moref}

	var set ChangeSet
	for offset := int64(0); offset < capacity; {
		req := types.QueryChangedDiskAreas{
			This:        v.vm(ref).Reference(),
			Snapshot:    &snapMoref,
			DeviceKey:   diskKey,
			StartOffset: offset,
			ChangeId:    baseChangeID,
		}
		res, err := methods.QueryChangedDiskAreas(ctx, v.c.Client, &req)
		if err != nil {
			return ChangeSet{}, fmt.Errorf("query changed areas of %s disk %d: %w", ref.Name, diskKey, err)
		}

		info := res.Returnval
		for _, area := range info.ChangedArea {
			set.Ranges = append(set.Ranges, ChangeRange{Offset: area.Start, Length: area.Length})
		}

		next := info.StartOffset + info.Length
		if next <= offset {
			break
		}
		offset = next
	}

	targetID, err := v.snapshotDiskChangeID(ctx, snapMoref, diskKey)
	if err != nil {
		return ChangeSet{}, err
	}
	set.TargetChangeID = targetID
	return set, nil
}

// snapshotDiskChangeID reads the change id the snapshot froze for a disk.
func (v *VSphere) snapshotDiskChangeID(ctx context.Context, snapRef types.ManagedObjectReference, diskKey int32) (string, error) {
	var snapMo mo.VirtualMachineSnapshot
	pc := property.DefaultCollector(v.c.Client)
	if err := pc.RetrieveOne(ctx, snapRef, []string{"config.hardware.device"}, &snapMo); err != nil {
		return "", fmt.Errorf("retrieve snapshot config: %w", err)
	}

	for _, dev := range snapMo.Config.Hardware.Device {
		disk, ok := dev.(*types.VirtualDisk)
		if !ok || disk.Key != diskKey {
			continue
		}
		if backing, ok := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo); ok {
			return backing.ChangeId, nil
		}
	}
	return "", fmt.Errorf("snapshot has no disk with key %d", diskKey)
}

// Downloader returns the data-plane reader bound to this session. It lives
// outside the Client interface on purpose: the control plane stays
// metadata-only, while transports borrow the authenticated session.
func (v *VSphere) Downloader() *Downloader {
	return &Downloader{v: v}
}

// Downloader performs authenticated HTTP reads of datastore files.
type Downloader struct {
	v *VSphere
}

func (v *VSphere) datastore(ctx context.Context, name string) (*object.Datastore, error) {
	v.dsMu.Lock()
	ds, ok := v.dsCache[name]
	v.dsMu.Unlock()
	if ok {
		return ds, nil
	}

	ds, err := v.finder.Datastore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve datastore %q: %w", name, err)
	}

	v.dsMu.Lock()
	v.dsCache[name] = ds
	v.dsMu.Unlock()
	return ds, nil
}

// Open streams a datastore file. A negative length reads to EOF; otherwise
// an HTTP Range request returns exactly [offset, offset+length).
func (d *Downloader) Open(ctx context.Context, backingPath string, offset, length int64) (io.ReadCloser, error) {
	var dp object.DatastorePath
	if !dp.FromString(backingPath) {
		return nil, fmt.Errorf("not a datastore path: %q", backingPath)
	}

	ds, err := d.v.datastore(ctx, dp.Datastore)
	if err != nil {
		return nil, err
	}

	param := soap.DefaultDownload
	if length >= 0 {
		param.Headers = map[string]string{
			"Range": fmt.Sprintf("bytes=%d-%d", offset, offset+length-1),
		}
	}

	rc, _, err := d.v.c.Client.Client.Download(ctx, ds.NewURL(dp.Path), &param)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", backingPath, err)
	}
	return rc, nil
}
