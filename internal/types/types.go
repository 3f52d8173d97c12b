// Package types holds the shared data model of the reconstruction
// pipeline: jobs, chunks, coherence deltas, skeletons, stitch results and
// audit events. It exists so store, pipeline, stream and stitch can share
// structures without import cycles.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"reweave/internal/textutil"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobSkeletonExtraction JobStatus = "skeleton_extraction"
	JobChunkProcessing    JobStatus = "chunk_processing"
	JobStitching          JobStatus = "stitching"
	JobComplete           JobStatus = "complete"
	JobFailed             JobStatus = "failed"
	JobAborted            JobStatus = "aborted"
)

// Terminal reports whether a job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobAborted
}

// ChunkStatus is the per-chunk lifecycle state. Transitions are strictly
// forward: pending -> processing -> (complete | failed).
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkComplete   ChunkStatus = "complete"
	ChunkFailed     ChunkStatus = "failed"
)

// ChunkOutcome is the wire-level result annotation on chunk_complete.
type ChunkOutcome string

const (
	OutcomeOnTarget         ChunkOutcome = "on_target"
	OutcomeRetrying         ChunkOutcome = "retrying"
	OutcomePassedAfterRetry ChunkOutcome = "passed_after_retry"
	OutcomeFlagged          ChunkOutcome = "flagged"
)

// UserParams carries the client-supplied generation parameters.
type UserParams struct {
	Audience     string `json:"audience,omitempty"`
	Rigor        string `json:"rigor,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Job is one reconstruction run.
type Job struct {
	ID           string                `json:"id"`
	SourceText   string                `json:"source_text"`
	InputWords   int                   `json:"input_words"`
	Length       textutil.LengthConfig `json:"length"`
	Params       UserParams            `json:"params"`
	Status       JobStatus             `json:"status"`
	CurrentChunk int                   `json:"current_chunk"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Skeleton     *Skeleton             `json:"skeleton,omitempty"`
	FinalOutput  string                `json:"final_output,omitempty"`
	Validation   *StitchResult         `json:"validation,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// SkeletonSection is one planned output section. Sections carry integer ids
// so deltas can cite them without pointer cycles.
type SkeletonSection struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Claims      []string `json:"claims"`
	TargetWords int      `json:"target_words"`
	Terms       []string `json:"terms"`
	Related     []int    `json:"related,omitempty"`
}

// Skeleton is the one-shot structured outline of the output. Read-only
// after extraction.
type Skeleton struct {
	Sections []SkeletonSection `json:"sections"`
}

// Valid reports whether the skeleton meets the structural minimum.
func (s *Skeleton) Valid() bool {
	if s == nil || len(s.Sections) == 0 {
		return false
	}
	for _, sec := range s.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			return false
		}
	}
	return true
}

// Summary renders a compact outline for progress messages.
func (s *Skeleton) Summary() string {
	if s == nil {
		return ""
	}
	titles := make([]string, len(s.Sections))
	for i, sec := range s.Sections {
		titles[i] = fmt.Sprintf("%d. %s (%dw)", sec.ID, sec.Title, sec.TargetWords)
	}
	return strings.Join(titles, "; ")
}

// TermUse is a canonical term with the sense it was used in.
type TermUse struct {
	Term  string `json:"term"`
	Sense string `json:"sense,omitempty"`
}

// Conflict records a contradiction a chunk introduced against an earlier one.
type Conflict struct {
	Description string `json:"description"`
	WithChunk   int    `json:"with_chunk"`
	Severity    string `json:"severity,omitempty"`
}

// LedgerEntry is a structured fact a chunk added to the shared ledger.
type LedgerEntry struct {
	Fact        string `json:"fact"`
	SourceChunk int    `json:"source_chunk"`
}

// ChunkDelta is what one chunk added to the shared coherence context.
type ChunkDelta struct {
	NewClaimsIntroduced []string      `json:"new_claims_introduced"`
	TermsUsed           []TermUse     `json:"terms_used"`
	ConflictsDetected   []Conflict    `json:"conflicts_detected"`
	LedgerAdditions     []LedgerEntry `json:"ledger_additions"`
}

// Chunk is one ordered slice of a job, the unit of LLM invocation.
type Chunk struct {
	JobID       string      `json:"job_id"`
	Index       int         `json:"index"`
	InputText   string      `json:"input_text"`
	InputWords  int         `json:"input_words"`
	TargetWords int         `json:"target_words"`
	MinWords    int         `json:"min_words"`
	MaxWords    int         `json:"max_words"`
	OutputText  string      `json:"output_text,omitempty"`
	ActualWords int         `json:"actual_words"`
	Status      ChunkStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	Flagged     bool        `json:"flagged"`
	Delta       *ChunkDelta `json:"delta,omitempty"`
}

// LengthBand returns the [min, max] acceptance interval for a target:
// floor(0.85t) to ceil(1.15t).
func LengthBand(target int) (min, max int) {
	return int(math.Floor(float64(target) * 0.85)), int(math.Ceil(float64(target) * 1.15))
}

// Coherence context caps. These bound prompt growth on long jobs and must
// not be raised without re-checking provider context limits.
const (
	ContextMaxClaims    = 15
	ContextMaxTerms     = 20
	ContextMaxConflicts = 5
)

// CoherenceContext is the accumulated prior-chunk context handed to the
// chunk reconstructor. Derived from stored deltas, never stored itself.
type CoherenceContext struct {
	ChunkCount int
	Claims     []string
	Terms      []string
	Conflicts  []string
}

// Summary renders the prompt fragment consumed by the chunk reconstructor.
func (c CoherenceContext) Summary() string {
	if c.ChunkCount == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== PRIOR CHUNKS COHERENCE CONTEXT (%d chunks) ===\n", c.ChunkCount)
	sb.WriteString("ACCUMULATED CLAIMS (must not contradict):\n")
	for _, claim := range c.Claims {
		fmt.Fprintf(&sb, "  - %s\n", claim)
	}
	if len(c.Terms) > 0 {
		fmt.Fprintf(&sb, "TERMS ALREADY USED (use consistently): %s\n", strings.Join(c.Terms, ", "))
	}
	if len(c.Conflicts) > 0 {
		sb.WriteString("PREVIOUS CONFLICTS DETECTED (avoid repeating):\n")
		for _, conflict := range c.Conflicts {
			fmt.Fprintf(&sb, "  - %s\n", conflict)
		}
	}
	return sb.String()
}

// TermDrift records one term used with differing senses across chunks.
type TermDrift struct {
	Term   string   `json:"term"`
	Senses []string `json:"senses"`
	Chunks []int    `json:"chunks"`
}

// RepairStep is one ordered edit instruction in the repair plan.
type RepairStep struct {
	Order       int    `json:"order"`
	Instruction string `json:"instruction"`
	Chunks      []int  `json:"chunks,omitempty"`
}

// Coherence score bands emitted by the stitcher.
const (
	CoherenceGood  = "good"
	CoherenceMixed = "mixed"
	CoherencePoor  = "poor"
)

// StitchResult is the outcome of the global validation pass.
type StitchResult struct {
	Conflicts       []Conflict   `json:"conflicts"`
	TermDrift       []TermDrift  `json:"term_drift"`
	MissingPremises []string     `json:"missing_premises"`
	Redundancies    []string     `json:"redundancies"`
	RepairPlan      []RepairStep `json:"repair_plan"`
	CoherenceScore  string       `json:"coherence_score"`
	Verdict         string       `json:"verdict"`
	Annotation      string       `json:"annotation,omitempty"`
}

// AuditKind enumerates audit event kinds.
type AuditKind string

const (
	AuditJobStarted        AuditKind = "job_started"
	AuditJobCompleted      AuditKind = "job_completed"
	AuditDBQuery           AuditKind = "db_query"
	AuditDBInsert          AuditKind = "db_insert"
	AuditDBUpdate          AuditKind = "db_update"
	AuditLLMCall           AuditKind = "llm_call"
	AuditChunkProcessed    AuditKind = "chunk_processed"
	AuditSkeletonExtracted AuditKind = "skeleton_extracted"
	AuditStitchPass        AuditKind = "stitch_pass"
	AuditError             AuditKind = "error"
)

// AuditEvent is one append-only audit record. (JobID, Seq) is unique and
// Seq is strictly monotonic per job.
type AuditEvent struct {
	JobID     string          `json:"job_id"`
	Seq       int64           `json:"sequence_num"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      AuditKind       `json:"event_kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
