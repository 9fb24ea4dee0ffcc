package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"vmshift/internal/checkpoint"
	"vmshift/internal/metrics"
)

// StageFunc runs one stage's work for a job. A non-nil Output becomes the
// stage's durable artifact reference in the checkpoint.
type StageFunc func(ctx context.Context, job *Job, rec *checkpoint.Record) (*checkpoint.Output, error)

// Orchestrator drives a job through StageOrder, checkpointing after every
// stage transition. A stage failure is terminal for the run but resumable:
// the next run re-verifies completed outputs and continues from the failure.
type Orchestrator struct {
	Logger  *zap.Logger
	Store   checkpoint.Store
	Metrics *metrics.Collector
	Stages  map[string]StageFunc
}

// RunJob executes every stage of the job in order.
func (o *Orchestrator) RunJob(ctx context.Context, job *Job) error {
	logger := o.Logger.With(zap.String("job_id", job.ID))

	rec, err := o.Store.Load(job.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if rec == nil {
		rec = checkpoint.NewRecord(job.ID)
		logger.Info("starting fresh run")
	} else {
		logger.Info("resuming from checkpoint", zap.Any("stages", rec.Stages))
	}

	lastRank := -1
	for _, stage := range StageOrder {
		// Cancellation is always observed between stages; a stage's status
		// stays at its last committed value.
		if err := ctx.Err(); err != nil {
			return err
		}

		rank := stageRank(stage)
		if rank != lastRank+1 {
			panic(fmt.Sprintf("stage order violation: %s at rank %d after %d", stage, rank, lastRank))
		}
		lastRank = rank

		if err := o.runStage(ctx, logger, job, rec, stage); err != nil {
			return err
		}
	}

	logger.Info("job complete", zap.String("output", job.Target.OutputPath))
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, logger *zap.Logger, job *Job, rec *checkpoint.Record, stage string) error {
	slog := logger.With(zap.String("stage", stage))

	// A disabled stage is recorded without outputs, so enabling it later
	// makes the resume logic run it instead of skipping.
	if job.Disabled[stage] {
		rec.Stages[stage] = StatusSkipped
		delete(rec.Outputs, stage)
		if err := o.Store.Save(rec); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		o.Metrics.StageDone(stage, StatusSkipped)
		slog.Info("stage disabled, skipping")
		return nil
	}

	// A refresh run re-executes every stage but keeps the recorded
	// artifacts, so an intact base image takes the incremental sync path
	// inside FETCH instead of a full re-pull.
	if rec.Stages[stage] == StatusDone && !job.Refresh {
		// A stage with no recorded artifact has nothing to verify and
		// stays complete.
		out, recorded := rec.Outputs[stage]
		if !recorded || verifyOutput(out) {
			if out.Path != "" && imageStages[stage] {
				job.Image = out.Path
			}
			o.Metrics.StageDone(stage, StatusSkipped)
			slog.Info("stage already complete, output verified", zap.String("output", out.Path))
			return nil
		}
		// The recorded output no longer checks out; run the stage again.
		slog.Warn("completed stage output missing or changed, re-running")
		rec.Stages[stage] = StatusPending
		delete(rec.Outputs, stage)
	}

	fn, ok := o.Stages[stage]
	if !ok {
		panic(fmt.Sprintf("no delegate registered for stage %s", stage))
	}

	rec.Stages[stage] = StatusRunning
	slog.Info("stage started")
	start := time.Now()

	out, err := fn(ctx, job, rec)
	o.Metrics.ObserveStage(stage, time.Since(start))
	if err != nil {
		rec.Stages[stage] = StatusFailed
		if serr := o.Store.Save(rec); serr != nil {
			slog.Error("failed to checkpoint stage failure", zap.Error(serr))
		}
		o.Metrics.StageDone(stage, StatusFailed)
		slog.Error("stage failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	rec.Stages[stage] = StatusDone
	if out != nil {
		rec.Outputs[stage] = *out
		if out.Path != "" && imageStages[stage] {
			job.Image = out.Path
		}
	}
	if err := o.Store.Save(rec); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	o.Metrics.StageDone(stage, StatusDone)
	slog.Info("stage done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// verifyOutput re-checks a recorded artifact before its stage is skipped on
// resume: the file must exist, match the recorded size, and match the
// recorded checksum when one was taken.
func verifyOutput(out checkpoint.Output) bool {
	if out.Path == "" {
		return true
	}
	st, err := os.Stat(out.Path)
	if err != nil || st.Size() != out.Size {
		return false
	}
	if out.SHA256 != "" {
		sum, err := fileSHA256(out.Path)
		if err != nil || sum != out.SHA256 {
			return false
		}
	}
	return true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
