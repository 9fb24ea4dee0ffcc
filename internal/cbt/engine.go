package cbt

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"vmshift/internal/controlplane"
	"vmshift/internal/errkind"
	"vmshift/internal/retry"
)

// RangeReader streams one bounded slice of the source disk.
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// Engine applies a changed-block set onto a previously fetched base image.
// Ranges are written in place with a bounded worker pool; a completed sync
// leaves the base identical to the source at the target change ID.
type Engine struct {
	Logger  *zap.Logger
	Workers int
	Policy  retry.Policy
}

// Result summarizes an applied change set.
type Result struct {
	Ranges       int
	Bytes        int64
	TargetChange string
}

func (e *Engine) workers() int {
	if e.Workers <= 0 {
		return 4
	}
	return e.Workers
}

// validate checks the change set against the base capacity before any byte
// is written, so a bad set never leaves the base partially modified by a
// detectable precondition failure.
func validate(set controlplane.ChangeSet, capacity int64) ([]controlplane.ChangeRange, error) {
	ranges := make([]controlplane.ChangeRange, 0, len(set.Ranges))
	for _, r := range set.Ranges {
		if r.Length == 0 {
			continue
		}
		if r.Offset < 0 || r.Length < 0 || r.Offset+r.Length > capacity {
			return nil, fmt.Errorf("range [%d,+%d) exceeds capacity %d: %w",
				r.Offset, r.Length, capacity, errkind.ErrTransferIntegrityMismatch)
		}
		ranges = append(ranges, r)
	}

	sorted := make([]controlplane.ChangeRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if sorted[i].Offset < prev.Offset+prev.Length {
			return nil, fmt.Errorf("ranges [%d,+%d) and [%d,+%d) overlap: %w",
				prev.Offset, prev.Length, sorted[i].Offset, sorted[i].Length,
				errkind.ErrOverlappingRanges)
		}
	}
	return ranges, nil
}

// Sync applies set onto basePath. The base must exist and match the source
// capacity exactly; an empty set is a successful no-op.
func (e *Engine) Sync(ctx context.Context, reader RangeReader, basePath string, capacity int64, set controlplane.ChangeSet) (Result, error) {
	st, err := os.Stat(basePath)
	if err != nil {
		return Result{}, fmt.Errorf("sync base %s: %w", basePath, err)
	}
	if st.Size() != capacity {
		return Result{}, fmt.Errorf("sync base %s is %d bytes, source capacity %d: %w",
			basePath, st.Size(), capacity, errkind.ErrTransferIntegrityMismatch)
	}

	ranges, err := validate(set, capacity)
	if err != nil {
		return Result{}, err
	}
	if len(ranges) == 0 {
		e.Logger.Info("no changed ranges, base is current",
			zap.String("change_id", set.TargetChangeID))
		return Result{TargetChange: set.TargetChangeID}, nil
	}

	f, err := os.OpenFile(basePath, os.O_WRONLY, 0)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan controlplane.ChangeRange)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var bytesDone int64

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i := 0; i < e.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				if err := e.applyRange(ctx, reader, f, r); err != nil {
					fail(err)
					continue
				}
				mu.Lock()
				bytesDone += r.Length
				mu.Unlock()
			}
		}()
	}

feed:
	for _, r := range ranges {
		select {
		case jobs <- r:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return Result{}, firstErr
	}
	if err := f.Sync(); err != nil {
		return Result{}, err
	}

	e.Logger.Info("changed ranges applied",
		zap.Int("ranges", len(ranges)),
		zap.Int64("bytes", bytesDone),
		zap.String("change_id", set.TargetChangeID),
	)
	return Result{Ranges: len(ranges), Bytes: bytesDone, TargetChange: set.TargetChangeID}, nil
}

func (e *Engine) applyRange(ctx context.Context, reader RangeReader, f *os.File, r controlplane.ChangeRange) error {
	return e.Policy.Do(ctx, func() error {
		body, err := reader.ReadRange(ctx, r.Offset, r.Length)
		if err != nil {
			return err
		}
		defer body.Close()

		buf := make([]byte, 1<<20)
		var done int64
		for done < r.Length {
			want := int64(len(buf))
			if rem := r.Length - done; rem < want {
				want = rem
			}
			n, err := io.ReadFull(body, buf[:want])
			if n > 0 {
				if _, werr := f.WriteAt(buf[:n], r.Offset+done); werr != nil {
					return werr
				}
				done += int64(n)
			}
			if err != nil {
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					return fmt.Errorf("range [%d,+%d) short read at %d: %w",
						r.Offset, r.Length, done, errkind.ErrTransferIntegrityMismatch)
				}
				return err
			}
		}
		return nil
	})
}
