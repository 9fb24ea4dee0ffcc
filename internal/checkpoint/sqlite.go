package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. A transaction per save gives
// readers an all-or-nothing view of each checkpoint.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens (and creates, if needed) the checkpoint database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT PRIMARY KEY,
		stages TEXT NOT NULL,
		outputs TEXT NOT NULL,
		change_id TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load(jobID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT stages, outputs, change_id, updated_at FROM checkpoints WHERE job_id = ?`, jobID)

	var (
		stagesJSON  string
		outputsJSON string
		changeID    sql.NullString
		updatedAt   time.Time
	)
	err := row.Scan(&stagesJSON, &outputsJSON, &changeID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := NewRecord(jobID)
	rec.UpdatedAt = updatedAt
	if changeID.Valid {
		rec.ChangeID = changeID.String
	}
	if err := json.Unmarshal([]byte(stagesJSON), &rec.Stages); err != nil {
		// Unparsable payload: same as no checkpoint at all.
		return nil, nil
	}
	if err := json.Unmarshal([]byte(outputsJSON), &rec.Outputs); err != nil {
		return nil, nil
	}
	return rec, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec.UpdatedAt = time.Now().UTC()

	stagesJSON, err := json.Marshal(rec.Stages)
	if err != nil {
		return err
	}
	outputsJSON, err := json.Marshal(rec.Outputs)
	if err != nil {
		return err
	}

	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
		INSERT INTO checkpoints (job_id, stages, outputs, change_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			stages = excluded.stages,
			outputs = excluded.outputs,
			change_id = excluded.change_id,
			updated_at = excluded.updated_at
		`, rec.JobID, string(stagesJSON), string(outputsJSON), rec.ChangeID, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert checkpoint: %w", err)
		}
		return tx.Commit()
	})
}

// Delete implements Store.
func (s *SQLiteStore) Delete(jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
