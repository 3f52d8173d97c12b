package store

import (
	"encoding/json"
	"fmt"
	"time"

	"reweave/internal/types"
)

// AppendAudit appends one audit event for a job and returns it with the
// assigned sequence number. The sequence is allocated inside the insert
// transaction as MAX(sequence_num)+1 so concurrent appenders can never
// produce a gap or a duplicate.
func (s *Store) AppendAudit(jobID string, kind types.AuditKind, payload any) (*types.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit payload: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM audit_events WHERE job_id = ?`,
		jobID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("allocate audit seq: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO audit_events (job_id, sequence_num, timestamp, event_kind, payload)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, seq, now, string(kind), string(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit event: %w", err)
	}

	return &types.AuditEvent{
		JobID:     jobID,
		Seq:       seq,
		Timestamp: now,
		Kind:      kind,
		Payload:   payloadJSON,
	}, nil
}

// ListAudit returns a job's audit trail in sequence order, optionally
// starting after a given sequence number (pass 0 for the full trail).
func (s *Store) ListAudit(jobID string, afterSeq int64) ([]types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT job_id, sequence_num, timestamp, event_kind, payload
		FROM audit_events WHERE job_id = ? AND sequence_num > ?
		ORDER BY sequence_num`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		var (
			ev      types.AuditEvent
			payload string
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Timestamp, (*string)(&ev.Kind), &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
