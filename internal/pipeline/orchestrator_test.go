package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmshift/internal/checkpoint"
	"vmshift/internal/config"
	"vmshift/internal/metrics"
)

type stageRecorder struct {
	calls []string
}

// passthrough returns a StageFunc that records the call and reports no
// artifact.
func (r *stageRecorder) passthrough(stage string) StageFunc {
	return func(_ context.Context, _ *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
		r.calls = append(r.calls, stage)
		return nil, nil
	}
}

// producing returns a StageFunc that records the call and writes a real
// artifact file so resume verification has something to check.
func (r *stageRecorder) producing(t *testing.T, stage, path string) StageFunc {
	return func(_ context.Context, _ *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
		r.calls = append(r.calls, stage)
		require.NoError(t, os.WriteFile(path, []byte(stage+" artifact"), 0o644))
		st, err := os.Stat(path)
		require.NoError(t, err)
		return &checkpoint.Output{Path: path, Size: st.Size()}, nil
	}
}

func (r *stageRecorder) failing(stage string, err error) StageFunc {
	return func(_ context.Context, _ *Job, _ *checkpoint.Record) (*checkpoint.Output, error) {
		r.calls = append(r.calls, stage)
		return nil, err
	}
}

func newTestOrchestrator(t *testing.T, stages map[string]StageFunc) (*Orchestrator, checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Orchestrator{
		Logger:  zap.NewNop(),
		Store:   store,
		Metrics: metrics.New(),
		Stages:  stages,
	}, store
}

func newTestJob(t *testing.T) *Job {
	job := NewJob(
		config.Source{Kind: "local", Path: "/disks/leaf.vmdk"},
		config.Target{OutputPath: filepath.Join(t.TempDir(), "out.qcow2"), Format: "qcow2"},
	)
	job.Workdir = t.TempDir()
	return job
}

func allStages(rec *stageRecorder) map[string]StageFunc {
	stages := make(map[string]StageFunc, len(StageOrder))
	for _, s := range StageOrder {
		stages[s] = rec.passthrough(s)
	}
	return stages
}

func TestRunJobExecutesStagesInOrder(t *testing.T) {
	rec := &stageRecorder{}
	orch, store := newTestOrchestrator(t, allStages(rec))
	job := newTestJob(t)

	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Equal(t, StageOrder, rec.calls)

	saved, err := store.Load(job.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	for _, s := range StageOrder {
		assert.Equal(t, StatusDone, saved.Stages[s], s)
	}
}

func TestRunJobResumeSkipsVerifiedStages(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	job := newTestJob(t)
	fetched := filepath.Join(job.Workdir, "base.img")
	stages[StageFetch] = rec.producing(t, StageFetch, fetched)

	orch, store := newTestOrchestrator(t, stages)
	require.NoError(t, orch.RunJob(context.Background(), job))
	require.Equal(t, StageOrder, rec.calls)

	// Second run resumes: every stage is DONE and the FETCH output still
	// checks out, so nothing runs again.
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Empty(t, rec.calls)
	assert.Equal(t, fetched, job.Image)

	saved, err := store.Load(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, saved.Stages[StageFetch])
}

func TestRunJobRerunsStageWhenOutputMissing(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	job := newTestJob(t)
	fetched := filepath.Join(job.Workdir, "base.img")
	stages[StageFetch] = rec.producing(t, StageFetch, fetched)

	orch, _ := newTestOrchestrator(t, stages)
	require.NoError(t, orch.RunJob(context.Background(), job))

	// The artifact disappears between runs; the stage must run again.
	require.NoError(t, os.Remove(fetched))
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Contains(t, rec.calls, StageFetch)
}

func TestRunJobRerunsStageWhenOutputSizeChanged(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	job := newTestJob(t)
	fetched := filepath.Join(job.Workdir, "base.img")
	stages[StageFetch] = rec.producing(t, StageFetch, fetched)

	orch, _ := newTestOrchestrator(t, stages)
	require.NoError(t, orch.RunJob(context.Background(), job))

	require.NoError(t, os.WriteFile(fetched, []byte("truncated"), 0o644))
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Contains(t, rec.calls, StageFetch)
}

func TestRunJobDisabledStageSkippedWithoutDelegate(t *testing.T) {
	rec := &stageRecorder{}
	orch, store := newTestOrchestrator(t, allStages(rec))
	job := newTestJob(t)
	job.Disabled[StageFix] = true
	job.Disabled[StageValidate] = true

	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.NotContains(t, rec.calls, StageFix)
	assert.NotContains(t, rec.calls, StageValidate)

	saved, err := store.Load(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, saved.Stages[StageFix])
	assert.Equal(t, StatusSkipped, saved.Stages[StageValidate])
	_, hasOutput := saved.Outputs[StageFix]
	assert.False(t, hasOutput, "disabled stage must not record an output")
}

func TestRunJobReEnabledStageRuns(t *testing.T) {
	rec := &stageRecorder{}
	orch, _ := newTestOrchestrator(t, allStages(rec))
	job := newTestJob(t)
	job.Disabled[StageFix] = true

	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.NotContains(t, rec.calls, StageFix)

	// Re-enabling makes the resume logic run the stage this time.
	delete(job.Disabled, StageFix)
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Contains(t, rec.calls, StageFix)
}

func TestRunJobFailureStopsLaterStages(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	boom := errors.New("qemu-img exploded")
	stages[StageConvert] = rec.failing(StageConvert, boom)

	orch, store := newTestOrchestrator(t, stages)
	job := newTestJob(t)

	err := orch.RunJob(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, rec.calls, StageValidate)

	saved, lerr := store.Load(job.ID)
	require.NoError(t, lerr)
	assert.Equal(t, StatusFailed, saved.Stages[StageConvert])
	assert.Equal(t, StatusDone, saved.Stages[StageFetch])
}

func TestRunJobResumesAfterFailure(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	boom := errors.New("transient")
	stages[StageConvert] = rec.failing(StageConvert, boom)

	orch, _ := newTestOrchestrator(t, stages)
	job := newTestJob(t)
	require.Error(t, orch.RunJob(context.Background(), job))

	// The fixed delegate succeeds on re-run; completed stages stay skipped.
	stages[StageConvert] = rec.passthrough(StageConvert)
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Equal(t, []string{StageConvert, StageValidate}, rec.calls)
}

func TestRunJobRefreshRerunsCompletedStages(t *testing.T) {
	rec := &stageRecorder{}
	stages := allStages(rec)
	job := newTestJob(t)
	fetched := filepath.Join(job.Workdir, "base.img")
	stages[StageFetch] = rec.producing(t, StageFetch, fetched)

	orch, _ := newTestOrchestrator(t, stages)
	require.NoError(t, orch.RunJob(context.Background(), job))
	require.Equal(t, StageOrder, rec.calls)

	// A refresh run re-executes every stage even though all outputs still
	// verify, so FETCH gets the chance to sync changed blocks onto the
	// kept base instead of being skipped forever.
	job.Refresh = true
	rec.calls = nil
	require.NoError(t, orch.RunJob(context.Background(), job))
	assert.Equal(t, StageOrder, rec.calls)
}

func TestNewJobStableID(t *testing.T) {
	src := config.Source{Kind: "vsphere", VCenter: "https://vc/sdk", VMName: "web-01"}
	tgt := config.Target{OutputPath: "/images/web-01.qcow2"}

	a := NewJob(src, tgt)
	b := NewJob(src, tgt)
	assert.Equal(t, a.ID, b.ID, "same migration must resume the same checkpoint")

	tgt.OutputPath = "/images/other.qcow2"
	c := NewJob(src, tgt)
	assert.NotEqual(t, a.ID, c.ID)
}
