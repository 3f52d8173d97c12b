// Package audit appends the per-job transparency trail: every LLM call,
// DB write and chunk completion is persisted with a monotonic sequence
// number and fanned out to live audit observers. Audit writes are
// non-critical; a failed append is logged and the job continues.
package audit

import (
	"reweave/internal/logging"
	"reweave/internal/store"
	"reweave/internal/stream"
	"reweave/internal/types"
)

// Recorder persists audit events and mirrors them to the stream hub.
type Recorder struct {
	store *store.Store
	hub   *stream.Hub
}

// New creates a recorder. The hub may be nil for headless use (tests,
// replay tooling); events are then only persisted.
func New(s *store.Store, hub *stream.Hub) *Recorder {
	return &Recorder{store: s, hub: hub}
}

// Record appends one event. The payload must marshal to JSON.
func (r *Recorder) Record(jobID string, kind types.AuditKind, payload any) {
	event, err := r.store.AppendAudit(jobID, kind, payload)
	if err != nil {
		logging.Get(logging.CategoryAudit).Error("Failed to append %s event for job %s: %v", kind, jobID, err)
		return
	}
	if r.hub != nil {
		r.hub.Publish(stream.AuditTopic(jobID), stream.AuditEntryMsg{
			Type:  stream.TypeEntry,
			JobID: jobID,
			Entry: *event,
		})
	}
}

// Completed closes the live audit stream for a terminal job.
func (r *Recorder) Completed(jobID string, status types.JobStatus) {
	if r.hub != nil {
		r.hub.Publish(stream.AuditTopic(jobID), stream.AuditCompletedMsg{
			Type:   stream.TypeCompleted,
			JobID:  jobID,
			Status: status,
		})
	}
}

// LLMCallPayload is the audit payload for one model invocation.
type LLMCallPayload struct {
	Phase      string `json:"phase"`
	Model      string `json:"model"`
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// ChunkPayload is the audit payload for a chunk completion.
type ChunkPayload struct {
	ChunkIndex  int    `json:"chunkIndex"`
	ActualWords int    `json:"actualWords"`
	TargetWords int    `json:"targetWords"`
	Outcome     string `json:"outcome"`
	Attempts    int    `json:"attempts"`
	Flagged     bool   `json:"flagged,omitempty"`
}

// DBPayload is the audit payload for a persistence operation.
type DBPayload struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
}

// ErrorPayload is the audit payload for a surfaced error.
type ErrorPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
