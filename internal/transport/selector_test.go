package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmshift/internal/config"
	"vmshift/internal/controlplane"
	"vmshift/internal/errkind"
)

type fakeStrategy struct {
	name        string
	validateErr error
	fetchErrs   []error // consumed per call, nil past the end
	fetchCalls  int
}

func (f *fakeStrategy) Name() string          { return f.name }
func (f *fakeStrategy) Validate(_ Plan) error { return f.validateErr }

func (f *fakeStrategy) Fetch(_ context.Context, _ Plan, _ string) error {
	f.fetchCalls++
	if f.fetchCalls <= len(f.fetchErrs) {
		return f.fetchErrs[f.fetchCalls-1]
	}
	return nil
}

type fakeControlPlane struct {
	disks []controlplane.DiskDescriptor
}

func (f *fakeControlPlane) FindEntity(_ context.Context, name string) (controlplane.EntityRef, error) {
	return controlplane.EntityRef{Name: name, Moref: "vm-42"}, nil
}

func (f *fakeControlPlane) ListDisks(_ context.Context, _ controlplane.EntityRef) ([]controlplane.DiskDescriptor, error) {
	return f.disks, nil
}

func (f *fakeControlPlane) ResolveBackingPath(_ context.Context, _ controlplane.EntityRef, _ int32) (string, error) {
	return "", nil
}

func (f *fakeControlPlane) CreateSnapshot(_ context.Context, _ controlplane.EntityRef, _ string, _ bool) (controlplane.SnapshotRef, error) {
	return controlplane.SnapshotRef{}, nil
}

func (f *fakeControlPlane) RemoveSnapshot(_ context.Context, _ controlplane.EntityRef, _ controlplane.SnapshotRef) error {
	return nil
}

func (f *fakeControlPlane) EnableChangeTracking(_ context.Context, _ controlplane.EntityRef) error {
	return nil
}

func (f *fakeControlPlane) QueryChangedRanges(_ context.Context, _ controlplane.EntityRef, _ int32, _ controlplane.SnapshotRef, _ string) (controlplane.ChangeSet, error) {
	return controlplane.ChangeSet{}, nil
}

func newTestSelector(strategies ...*fakeStrategy) *Selector {
	m := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.name] = s
	}
	return &Selector{Logger: zap.NewNop(), Strategies: m}
}

func localSource() config.Source {
	return config.Source{Kind: "local", Path: "/disks/leaf.vmdk"}
}

func TestSelectFallsBackInPriorityOrder(t *testing.T) {
	unavailable := fmt.Errorf("no session: %w", errkind.ErrTransportUnavailable)
	ranged := &fakeStrategy{name: "http-ranged", validateErr: unavailable}
	sshFake := &fakeStrategy{name: "ssh"}
	sel := newTestSelector(ranged, sshFake)

	plan, strat, err := sel.Select(context.Background(), localSource(), FidelityExact)
	require.NoError(t, err)
	assert.Equal(t, "ssh", strat.Name())
	assert.Equal(t, "ssh", plan.Strategy)
}

func TestSelectPrefersFirstAvailable(t *testing.T) {
	v2v := &fakeStrategy{name: "v2v"}
	vddk := &fakeStrategy{name: "vddk"}
	sel := newTestSelector(v2v, vddk, &fakeStrategy{name: "ssh"})

	_, strat, err := sel.Select(context.Background(), localSource(), FidelityConverted)
	require.NoError(t, err)
	assert.Equal(t, "v2v", strat.Name())
}

func TestSelectNoneAvailable(t *testing.T) {
	unavailable := fmt.Errorf("nope: %w", errkind.ErrTransportUnavailable)
	sel := newTestSelector(
		&fakeStrategy{name: "http-ranged", validateErr: unavailable},
		&fakeStrategy{name: "ssh", validateErr: unavailable},
	)

	_, _, err := sel.Select(context.Background(), localSource(), FidelityExact)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrTransportUnavailable)
}

func TestSelectAndFetchRetriesIntegrityMismatchOnce(t *testing.T) {
	mismatch := fmt.Errorf("short: %w", errkind.ErrTransferIntegrityMismatch)
	sshFake := &fakeStrategy{name: "ssh", fetchErrs: []error{mismatch}}
	sel := newTestSelector(sshFake)

	_, err := sel.SelectAndFetch(context.Background(), localSource(), FidelityExact, "/tmp/out.img")
	require.NoError(t, err)
	assert.Equal(t, 2, sshFake.fetchCalls)
}

func TestSelectAndFetchSecondMismatchIsTerminal(t *testing.T) {
	mismatch := fmt.Errorf("short: %w", errkind.ErrTransferIntegrityMismatch)
	sshFake := &fakeStrategy{name: "ssh", fetchErrs: []error{mismatch, mismatch}}
	sel := newTestSelector(sshFake)

	_, err := sel.SelectAndFetch(context.Background(), localSource(), FidelityExact, "/tmp/out.img")
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrTransferIntegrityMismatch)
	assert.Equal(t, 2, sshFake.fetchCalls, "exactly one re-fetch")
}

func TestSelectAndFetchOtherErrorsNotRetried(t *testing.T) {
	boom := errors.New("disk on fire")
	sshFake := &fakeStrategy{name: "ssh", fetchErrs: []error{boom}}
	sel := newTestSelector(sshFake)

	_, err := sel.SelectAndFetch(context.Background(), localSource(), FidelityExact, "/tmp/out.img")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sshFake.fetchCalls)
}

func TestBuildPlanVSphereEnrichment(t *testing.T) {
	cp := &fakeControlPlane{
		disks: []controlplane.DiskDescriptor{
			{Key: 2000, BackingFile: "[ds1] vm/vm.vmdk", CapacityBytes: 1 << 30},
			{Key: 2001, BackingFile: "[ds1] vm/vm_1.vmdk", CapacityBytes: 2 << 30},
		},
	}
	sel := newTestSelector(&fakeStrategy{name: "ssh"})
	sel.CP = cp

	src := config.Source{
		Kind:     "vsphere",
		VCenter:  "https://vc.example.com/sdk",
		Username: "admin",
		VMName:   "web-01",
	}
	plan, err := sel.buildPlan(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "vm-42", plan.Moref)
	assert.Equal(t, int32(2000), plan.DiskKey)
	assert.Equal(t, "[ds1] vm/vm.vmdk", plan.BackingPath)
	assert.Equal(t, int64(1<<30), plan.ExpectedSize)
	assert.Equal(t, "ssh", plan.SubTransport, "no disk library means guest-network sub-transport")
}

func TestBuildPlanVSphereDiskByBackingPath(t *testing.T) {
	cp := &fakeControlPlane{
		disks: []controlplane.DiskDescriptor{
			{Key: 2000, BackingFile: "[ds1] vm/vm.vmdk"},
			{Key: 2001, BackingFile: "[ds1] vm/vm_1.vmdk"},
		},
	}
	sel := newTestSelector(&fakeStrategy{name: "ssh"})
	sel.CP = cp

	src := config.Source{Kind: "vsphere", VMName: "web-01", Path: "[ds1] vm/vm_1.vmdk"}
	plan, err := sel.buildPlan(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int32(2001), plan.DiskKey)

	src.Path = "[ds1] vm/missing.vmdk"
	_, err = sel.buildPlan(context.Background(), src)
	assert.ErrorIs(t, err, errkind.ErrInvalidJob)
}

func TestBuildPlanVSphereWithoutSession(t *testing.T) {
	sel := newTestSelector(&fakeStrategy{name: "ssh"})

	_, err := sel.buildPlan(context.Background(), config.Source{Kind: "vsphere", VMName: "web-01"})
	assert.ErrorIs(t, err, errkind.ErrSourceUnreachable)
}

func TestNormalizeThumbprint(t *testing.T) {
	got, err := NormalizeThumbprint("AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01")
	require.NoError(t, err)
	assert.Equal(t, "ab:cd:ef:01:23:45:67:89:ab:cd:ef:01:23:45:67:89:ab:cd:ef:01", got)

	bare, err := NormalizeThumbprint("ABCDEF0123456789ABCDEF0123456789ABCDEF01")
	require.NoError(t, err)
	assert.Equal(t, got, bare)

	_, err = NormalizeThumbprint("not-a-thumbprint")
	assert.Error(t, err)

	_, err = NormalizeThumbprint("abcd")
	assert.Error(t, err)
}
