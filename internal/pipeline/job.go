// Package pipeline orchestrates the fixed stage sequence of one migration
// and persists progress so interrupted jobs resume where they stopped.
package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"vmshift/internal/collab"
	"vmshift/internal/config"
)

// Stage names, in execution order. The order is a hard invariant: stage N
// consumes the durable artifact of stage N-1 and nothing else.
const (
	StageFetch    = "FETCH"
	StageFlatten  = "FLATTEN"
	StageInspect  = "INSPECT"
	StageFix      = "FIX"
	StageConvert  = "CONVERT"
	StageValidate = "VALIDATE"
)

// StageOrder is the only legal execution sequence.
var StageOrder = []string{
	StageFetch,
	StageFlatten,
	StageInspect,
	StageFix,
	StageConvert,
	StageValidate,
}

// Stage status values persisted in checkpoints.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
)

// imageStages are the stages whose output artifact is the working disk
// image handed to the next stage. Other stages produce metadata artifacts
// that must not displace the image pointer.
var imageStages = map[string]bool{
	StageFetch:   true,
	StageFlatten: true,
	StageFix:     true,
	StageConvert: true,
}

func stageRank(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Job is one migration unit: one source disk chain to one target image.
type Job struct {
	ID       string
	Source   config.Source
	Target   config.Target
	Workdir  string          // per-job scratch directory
	Disabled map[string]bool // stages switched off by configuration
	Refresh  bool            // re-run completed stages against kept artifacts

	// Mutable run state, handed from stage to stage.
	Image   string // current working artifact path
	Profile collab.GuestProfile
}

// NewJob derives a stable job ID from the source and target identity, so a
// re-run of the same migration resumes the same checkpoint record.
func NewJob(src config.Source, tgt config.Target) *Job {
	seed := fmt.Sprintf("%s|%s|%s|%s|%s",
		src.Kind, src.Path, src.VCenter, src.VMName, tgt.OutputPath)
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
	return &Job{
		ID:       id,
		Source:   src,
		Target:   tgt,
		Disabled: make(map[string]bool),
	}
}
