// Package errkind defines the error taxonomy shared across the pipeline.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is without depending on error strings.
package errkind

import "errors"

var (
	// ErrSourceUnreachable means the source system could not be contacted
	// or authenticated against before any stage ran.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrChainIncomplete means a snapshot chain references a parent that
	// cannot be located. Never retried: it indicates a data problem.
	ErrChainIncomplete = errors.New("disk chain incomplete")

	// ErrChainCycle means a snapshot chain references one of its own
	// descendants. Never retried.
	ErrChainCycle = errors.New("disk chain cycle")

	// ErrTransportUnavailable means a transport strategy is missing a
	// required library, tool or credential. Selection falls through to the
	// next strategy; if none remain the fetch fails with this kind.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransferIntegrityMismatch means a transferred artifact's size or
	// checksum does not match what the source reported. The partial
	// artifact is discarded and exactly one re-fetch is attempted.
	ErrTransferIntegrityMismatch = errors.New("transfer integrity mismatch")

	// ErrOverlappingRanges means a changed-block query returned ranges
	// that overlap, which violates the control-plane contract.
	ErrOverlappingRanges = errors.New("overlapping change ranges")

	// ErrTargetPathBusy means another job already owns the target output
	// path. The job is rejected at submission.
	ErrTargetPathBusy = errors.New("target path busy")

	// ErrInvalidJob means the job configuration was rejected before any
	// stage ran.
	ErrInvalidJob = errors.New("invalid job configuration")
)

// Configuration reports whether err belongs to the non-resumable
// configuration class: the job was rejected before any stage ran, so there
// are no preserved outputs to resume from. Everything else leaves the job
// resumable. ErrSourceUnreachable is deliberately not in this class: a
// source can become unreachable mid-run, after checkpoints exist; callers
// that reject a job up front wrap ErrInvalidJob instead.
func Configuration(err error) bool {
	return errors.Is(err, ErrInvalidJob) ||
		errors.Is(err, ErrTargetPathBusy)
}
