package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileStore keeps one YAML record per job id. Writes go to a temporary
// file and rename over the prior record, so a reader never observes a
// half-written checkpoint.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".yaml")
}

// Load implements Store.
func (s *FileStore) Load(jobID string) (*Record, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		// Corrupt checkpoint: fresh start, never a hard error.
		return nil, nil
	}
	if rec.Stages == nil {
		rec.Stages = make(map[string]string)
	}
	if rec.Outputs == nil {
		rec.Outputs = make(map[string]Output)
	}
	return &rec, nil
}

// Save implements Store.
func (s *FileStore) Save(rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}

	final := s.path(rec.JobID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Delete implements Store.
func (s *FileStore) Delete(jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
