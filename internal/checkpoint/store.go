// Package checkpoint persists per-job stage completion so an interrupted
// migration resumes without repeating finished stages.
package checkpoint

import "time"

// Output references one stage's durable artifact. Size and checksum are
// re-verified on resume before the stage is skipped.
type Output struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

// Record is the durable snapshot of a job's stage-status map.
type Record struct {
	JobID     string            `json:"job_id" yaml:"job_id"`
	Stages    map[string]string `json:"stages" yaml:"stages"`
	Outputs   map[string]Output `json:"outputs" yaml:"outputs"`
	ChangeID  string            `json:"change_id,omitempty" yaml:"change_id,omitempty"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

// NewRecord returns an empty record for a job.
func NewRecord(jobID string) *Record {
	return &Record{
		JobID:   jobID,
		Stages:  make(map[string]string),
		Outputs: make(map[string]Output),
	}
}

// Store defines checkpoint persistence. Load returns (nil, nil) when no
// usable record exists: an unparsable checkpoint must never block a retry,
// so corruption is treated as a fresh start.
type Store interface {
	Load(jobID string) (*Record, error)
	Save(rec *Record) error
	Delete(jobID string) error
	Close() error
}
