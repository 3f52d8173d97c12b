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

// GetChunk loads a single chunk row.
func (s *Store) GetChunk(jobID string, index int) (*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanChunk(s.db.QueryRow(`
		SELECT job_id, chunk_index, input_text, input_words, target_words, min_words, max_words,
		       output_text, actual_words, status, retry_count, flagged, delta
		FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, index))
}

// ListChunks returns all chunks of a job in index order.
func (s *Store) ListChunks(jobID string) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT job_id, chunk_index, input_text, input_words, target_words, min_words, max_words,
		       output_text, actual_words, status, retry_count, flagged, delta
		FROM chunks WHERE job_id = ? ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanChunk(row rowScanner) (*types.Chunk, error) {
	var (
		c         types.Chunk
		deltaJSON sql.NullString
		flagged   int
	)
	err := row.Scan(&c.JobID, &c.Index, &c.InputText, &c.InputWords, &c.TargetWords,
		&c.MinWords, &c.MaxWords, &c.OutputText, &c.ActualWords,
		(*string)(&c.Status), &c.RetryCount, &flagged, &deltaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.Flagged = flagged != 0
	if deltaJSON.Valid && deltaJSON.String != "" {
		var d types.ChunkDelta
		if err := json.Unmarshal([]byte(deltaJSON.String), &d); err != nil {
			return nil, fmt.Errorf("unmarshal delta: %w", err)
		}
		c.Delta = &d
	}
	return &c, nil
}

// SetChunkStatus updates a chunk's lifecycle state and retry count.
func (s *Store) SetChunkStatus(jobID string, index int, status types.ChunkStatus, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE chunks SET status = ?, retry_count = ?, updated_at = ?
		WHERE job_id = ? AND chunk_index = ?`,
		string(status), retryCount, time.Now().UTC(), jobID, index)
	if err != nil {
		return fmt.Errorf("set chunk status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteChunk commits a finished chunk. Output, delta, completion status and
// the job's current_chunk advance together in one transaction so a crash
// between chunk completion and progress advance cannot leave the job
// pointing at an already-written chunk. After commit the row is read back;
// if the delta did not persist the write is retried once.
func (s *Store) WriteChunk(jobID string, index int, output string, actualWords int, flagged bool, delta *types.ChunkDelta) error {
	if err := s.writeChunkTx(jobID, index, output, actualWords, flagged, delta); err != nil {
		return err
	}

	ok, err := s.verifyChunkWrite(jobID, index, delta)
	if err != nil {
		return fmt.Errorf("verify chunk %d: %w", index, err)
	}
	if ok {
		return nil
	}

	logging.Store("Chunk %s/%d verification failed, retrying write", jobID, index)
	if err := s.writeChunkTx(jobID, index, output, actualWords, flagged, delta); err != nil {
		return err
	}
	ok, err = s.verifyChunkWrite(jobID, index, delta)
	if err != nil {
		return fmt.Errorf("verify chunk %d after retry: %w", index, err)
	}
	if !ok {
		return fmt.Errorf("chunk %d write did not persist after retry", index)
	}
	return nil
}

func (s *Store) writeChunkTx(jobID string, index int, output string, actualWords int, flagged bool, delta *types.ChunkDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deltaJSON any
	if delta != nil {
		data, err := json.Marshal(delta)
		if err != nil {
			return fmt.Errorf("marshal delta: %w", err)
		}
		deltaJSON = string(data)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE chunks SET output_text = ?, actual_words = ?, status = ?, flagged = ?, delta = ?, updated_at = ?
		WHERE job_id = ? AND chunk_index = ?`,
		output, actualWords, string(types.ChunkComplete), boolToInt(flagged), deltaJSON, now, jobID, index)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(`UPDATE jobs SET current_chunk = ?, updated_at = ? WHERE id = ?`,
		index+1, now, jobID)
	if err != nil {
		return fmt.Errorf("advance current_chunk: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk %d: %w", index, err)
	}
	return nil
}

// verifyChunkWrite reads the committed row back and checks that status and
// delta landed as written.
func (s *Store) verifyChunkWrite(jobID string, index int, delta *types.ChunkDelta) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		status    string
		deltaJSON sql.NullString
	)
	err := s.db.QueryRow(`SELECT status, delta FROM chunks WHERE job_id = ? AND chunk_index = ?`,
		jobID, index).Scan(&status, &deltaJSON)
	if err != nil {
		return false, err
	}
	if status != string(types.ChunkComplete) {
		return false, nil
	}
	if delta != nil && (!deltaJSON.Valid || deltaJSON.String == "") {
		return false, nil
	}
	return true, nil
}

// LoadPriorDeltas reconstructs the coherence context from the deltas of
// chunks [0, uptoIndex). Claims are order-preserving and capped at the most
// recent ContextMaxClaims; terms are deduplicated by recency and capped at
// ContextMaxTerms; conflicts keep the most recent ContextMaxConflicts. A
// complete chunk with a missing delta is skipped with a warning instead of
// failing the job.
func (s *Store) LoadPriorDeltas(jobID string, uptoIndex int) (*types.CoherenceContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chunk_index, status, delta FROM chunks
		WHERE job_id = ? AND chunk_index < ? ORDER BY chunk_index`, jobID, uptoIndex)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	ctx := &types.CoherenceContext{}
	var claims, conflicts []string
	termOrder := []string{}
	termSeen := map[string]int{}

	for rows.Next() {
		var (
			index     int
			status    string
			deltaJSON sql.NullString
		)
		if err := rows.Scan(&index, &status, &deltaJSON); err != nil {
			return nil, fmt.Errorf("scan delta row: %w", err)
		}
		if status != string(types.ChunkComplete) {
			continue
		}
		ctx.ChunkCount++
		if !deltaJSON.Valid || deltaJSON.String == "" {
			logging.Get(logging.CategoryStore).Warn("Chunk %s/%d is complete but has no delta, skipping", jobID, index)
			continue
		}
		var d types.ChunkDelta
		if err := json.Unmarshal([]byte(deltaJSON.String), &d); err != nil {
			logging.Get(logging.CategoryStore).Warn("Chunk %s/%d delta is malformed, skipping: %v", jobID, index, err)
			continue
		}

		claims = append(claims, d.NewClaimsIntroduced...)
		for _, tu := range d.TermsUsed {
			if pos, ok := termSeen[tu.Term]; ok {
				// Seen before: move to the back so recency wins.
				termOrder = append(termOrder[:pos], termOrder[pos+1:]...)
				for t, p := range termSeen {
					if p > pos {
						termSeen[t] = p - 1
					}
				}
			}
			termSeen[tu.Term] = len(termOrder)
			termOrder = append(termOrder, tu.Term)
		}
		for _, cf := range d.ConflictsDetected {
			conflicts = append(conflicts, cf.Description)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(claims) > types.ContextMaxClaims {
		claims = claims[len(claims)-types.ContextMaxClaims:]
	}
	if len(termOrder) > types.ContextMaxTerms {
		termOrder = termOrder[len(termOrder)-types.ContextMaxTerms:]
	}
	if len(conflicts) > types.ContextMaxConflicts {
		conflicts = conflicts[len(conflicts)-types.ContextMaxConflicts:]
	}
	ctx.Claims = claims
	ctx.Terms = termOrder
	ctx.Conflicts = conflicts
	return ctx, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
