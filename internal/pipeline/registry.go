package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"

	"vmshift/internal/errkind"
)

// Registry enforces target-path exclusivity: two jobs writing the same
// output image would corrupt each other, so the second submission is
// rejected up front rather than failing mid-run.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // cleaned output path -> job id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

func normalize(outputPath string) string {
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return filepath.Clean(outputPath)
	}
	return abs
}

// Acquire claims the output path for a job. Re-acquiring by the same job is
// allowed; a claim held by another job rejects the submission.
func (r *Registry) Acquire(outputPath, jobID string) error {
	key := normalize(outputPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.active[key]; ok && holder != jobID {
		return fmt.Errorf("output %s already claimed by job %s: %w",
			outputPath, holder, errkind.ErrTargetPathBusy)
	}
	r.active[key] = jobID
	return nil
}

// Release drops the claim on the output path.
func (r *Registry) Release(outputPath string) {
	key := normalize(outputPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}
