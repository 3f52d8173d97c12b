package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reweave/internal/logging"
	"reweave/internal/types"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateJob inserts a job and its pending chunk rows in one transaction.
func (s *Store) CreateJob(job *types.Job, chunks []types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lengthJSON, err := json.Marshal(job.Length)
	if err != nil {
		return fmt.Errorf("marshal length config: %w", err)
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO jobs (id, source_text, input_words, length_config, params, status, current_chunk, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.SourceText, job.InputWords, string(lengthJSON), string(paramsJSON),
		string(types.JobPending), now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.Exec(`
			INSERT INTO chunks (job_id, chunk_index, input_text, input_words, target_words, min_words, max_words, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, c.Index, c.InputText, c.InputWords, c.TargetWords, c.MinWords, c.MaxWords,
			string(types.ChunkPending))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.Store("Created job %s (%d chunks, %d input words)", job.ID, len(chunks), job.InputWords)
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		job          types.Job
		lengthJSON   string
		paramsJSON   sql.NullString
		skeletonJSON sql.NullString
		validateJSON sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, source_text, input_words, length_config, params, status, current_chunk,
		       error_message, skeleton, final_output, validation, created_at, updated_at
		FROM jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.SourceText, &job.InputWords, &lengthJSON, &paramsJSON,
		(*string)(&job.Status), &job.CurrentChunk, &job.ErrorMessage,
		&skeletonJSON, &job.FinalOutput, &validateJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal([]byte(lengthJSON), &job.Length); err != nil {
		return nil, fmt.Errorf("unmarshal length config: %w", err)
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if skeletonJSON.Valid && skeletonJSON.String != "" {
		var sk types.Skeleton
		if err := json.Unmarshal([]byte(skeletonJSON.String), &sk); err != nil {
			return nil, fmt.Errorf("unmarshal skeleton: %w", err)
		}
		job.Skeleton = &sk
	}
	if validateJSON.Valid && validateJSON.String != "" {
		var v types.StitchResult
		if err := json.Unmarshal([]byte(validateJSON.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal validation: %w", err)
		}
		job.Validation = &v
	}
	return &job, nil
}

// UpdateJobStatus transitions a job's lifecycle state. The error message is
// only written for failed transitions.
func (s *Store) UpdateJobStatus(id string, status types.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("Job %s -> %s", id, status)
	return nil
}

// SetSkeleton persists the extracted skeleton.
func (s *Store) SetSkeleton(id string, skeleton *types.Skeleton) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	res, err := s.db.Exec(`UPDATE jobs SET skeleton = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set skeleton: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFinalOutput persists the stitched output and validation result.
func (s *Store) SetFinalOutput(id, finalOutput string, validation *types.StitchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var validateJSON any
	if validation != nil {
		data, err := json.Marshal(validation)
		if err != nil {
			return fmt.Errorf("marshal validation: %w", err)
		}
		validateJSON = string(data)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE jobs SET final_output = ?, validation = ?, updated_at = ? WHERE id = ?`,
		finalOutput, validateJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set final output: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if validation != nil {
		data, _ := json.Marshal(validation)
		_, err = tx.Exec(`
			INSERT INTO stitch_results (job_id, result) VALUES (?, ?)
			ON CONFLICT(job_id) DO UPDATE SET result = excluded.result`,
			id, string(data))
		if err != nil {
			return fmt.Errorf("save stitch result: %w", err)
		}
	}
	return tx.Commit()
}

// GetStitchResult loads the persisted stitch result for a job.
func (s *Store) GetStitchResult(jobID string) (*types.StitchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT result FROM stitch_results WHERE job_id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stitch result: %w", err)
	}
	var result types.StitchResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("unmarshal stitch result: %w", err)
	}
	return &result, nil
}

// ListResumable returns ids of non-terminal jobs, candidates for resume
// after a restart.
func (s *Store) ListResumable() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status NOT IN (?, ?, ?)`,
		string(types.JobComplete), string(types.JobFailed), string(types.JobAborted))
	if err != nil {
		return nil, fmt.Errorf("query resumable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SweepExpired deletes jobs that reached complete or aborted more than ttl
// ago. Chunk, stitch, and audit rows follow via ON DELETE CASCADE.
func (s *Store) SweepExpired(ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(types.JobComplete), string(types.JobAborted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Swept %d expired jobs", n)
	}
	return n, nil
}
