package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"vmshift/internal/metrics"
)

// Pool runs jobs concurrently with a bounded worker count. Each worker
// claims the job's target path before running and releases it after.
type Pool struct {
	size     int
	orch     *Orchestrator
	registry *Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewPool creates a new job pool.
func NewPool(size int, orch *Orchestrator, registry *Registry, collector *metrics.Collector, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:     size,
		orch:     orch,
		registry: registry,
		metrics:  collector,
		logger:   logger,
	}
}

// Run feeds the jobs through the workers and returns the combined failures.
func (p *Pool) Run(ctx context.Context, jobs []*Job) error {
	tasks := make(chan *Job)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := p.logger.With(zap.Int("worker_id", id))

			for job := range tasks {
				if err := p.runOne(ctx, job); err != nil {
					logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}(i)
	}

feed:
	for _, job := range jobs {
		select {
		case tasks <- job:
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	return errors.Join(errs...)
}

func (p *Pool) runOne(ctx context.Context, job *Job) error {
	if err := p.registry.Acquire(job.Target.OutputPath, job.ID); err != nil {
		return err
	}
	defer p.registry.Release(job.Target.OutputPath)

	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	return p.orch.RunJob(ctx, job)
}
