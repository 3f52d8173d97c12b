package stream

import (
	"reweave/internal/textutil"
	"reweave/internal/types"
)

// Server-to-client message types.
const (
	TypeJobStarted    = "job_started"
	TypeOutline       = "outline"
	TypeProgress      = "progress"
	TypeChunkComplete = "chunk_complete"
	TypeWarning       = "warning"
	TypeJobComplete   = "job_complete"
	TypeJobFailed     = "job_failed"
	TypeJobAborted    = "job_aborted"
	TypeStatus        = "status"
	TypeError         = "error"

	// Generation channel events.
	TypeSectionComplete = "section_complete"
	TypeComplete        = "complete"

	// Audit stream events.
	TypeHistory   = "history"
	TypeEntry     = "entry"
	TypeCompleted = "completed"
)

// JobStartedMsg announces a new or resumed job.
type JobStartedMsg struct {
	Type        string  `json:"type"`
	JobID       string  `json:"jobId"`
	TotalChunks int     `json:"totalChunks"`
	InputWords  int     `json:"inputWords"`
	TargetWords int     `json:"targetWords"`
	LengthMode  string  `json:"lengthMode"`
	LengthRatio float64 `json:"lengthRatio"`
}

// OutlineMsg carries the skeleton summary once extraction succeeds.
type OutlineMsg struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Sections int    `json:"sections"`
	Summary  string `json:"summary"`
}

// ProgressMsg reports phase transitions and running stats.
type ProgressMsg struct {
	Type               string `json:"type"`
	JobID              string `json:"jobId"`
	Phase              string `json:"phase"`
	Message            string `json:"message"`
	CompletedChunks    int    `json:"completedChunks,omitempty"`
	TotalChunks        int    `json:"totalChunks,omitempty"`
	WordsProcessed     int    `json:"wordsProcessed,omitempty"`
	TargetWords        int    `json:"targetWords,omitempty"`
	ProjectedFinal     int    `json:"projectedFinal,omitempty"`
	TimeElapsed        string `json:"timeElapsed,omitempty"`
	EstimatedRemaining string `json:"estimatedRemaining,omitempty"`
}

// ChunkCompleteMsg reports one finished chunk.
type ChunkCompleteMsg struct {
	Type           string             `json:"type"`
	JobID          string             `json:"jobId"`
	ChunkIndex     int                `json:"chunkIndex"`
	TotalChunks    int                `json:"totalChunks"`
	ChunkText      string             `json:"chunkText"`
	ActualWords    int                `json:"actualWords"`
	TargetWords    int                `json:"targetWords"`
	MinWords       int                `json:"minWords"`
	MaxWords       int                `json:"maxWords"`
	RunningTotal   int                `json:"runningTotal"`
	ProjectedFinal int                `json:"projectedFinal"`
	Status         types.ChunkOutcome `json:"status"`
}

// WarningMsg reports a projected length shortfall.
type WarningMsg struct {
	Type           string  `json:"type"`
	JobID          string  `json:"jobId"`
	Message        string  `json:"message"`
	ProjectedFinal int     `json:"projectedFinal"`
	TargetWords    int     `json:"targetWords"`
	Shortfall      float64 `json:"shortfall"`
}

// JobCompleteMsg carries the final output and stitch result.
type JobCompleteMsg struct {
	Type           string              `json:"type"`
	JobID          string              `json:"jobId"`
	FinalOutput    string              `json:"finalOutput"`
	FinalWordCount int                 `json:"finalWordCount"`
	TargetWords    int                 `json:"targetWords"`
	StitchResult   *types.StitchResult `json:"stitchResult,omitempty"`
	TimeElapsed    string              `json:"timeElapsed"`
}

// JobFailedMsg reports a terminal failure.
type JobFailedMsg struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// JobAbortedMsg reports a cooperative abort with the partial output.
type JobAbortedMsg struct {
	Type            string `json:"type"`
	JobID           string `json:"jobId"`
	CompletedChunks int    `json:"completedChunks"`
	TotalChunks     int    `json:"totalChunks"`
	PartialOutput   string `json:"partialOutput"`
	WordCount       int    `json:"wordCount"`
}

// StatusMsg answers a get_status query with the persisted job state.
type StatusMsg struct {
	Type            string              `json:"type"`
	JobID           string              `json:"jobId"`
	Status          types.JobStatus     `json:"status"`
	CurrentChunk    int                 `json:"currentChunk"`
	TotalChunks     int                 `json:"totalChunks"`
	InputWords      int                 `json:"inputWords"`
	TargetWords     int                 `json:"targetWords"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	FinalWordCount  int                 `json:"finalWordCount,omitempty"`
	StitchResult    *types.StitchResult `json:"stitchResult,omitempty"`
	SkeletonSummary string              `json:"skeletonSummary,omitempty"`
}

// ErrorMsg reports a request-level error to one client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SectionCompleteMsg is a generation-channel event for one finished section.
type SectionCompleteMsg struct {
	Type         string `json:"type"`
	JobID        string `json:"jobId"`
	SectionIndex int    `json:"sectionIndex"`
	SectionTitle string `json:"sectionTitle"`
	SectionText  string `json:"sectionText"`
	ActualWords  int    `json:"actualWords"`
	TargetWords  int    `json:"targetWords"`
}

// GenerationCompleteMsg closes a generation-channel run.
type GenerationCompleteMsg struct {
	Type           string `json:"type"`
	JobID          string `json:"jobId"`
	FinalOutput    string `json:"finalOutput"`
	FinalWordCount int    `json:"finalWordCount"`
}

// AuditHistoryMsg is the snapshot sent on audit subscription.
type AuditHistoryMsg struct {
	Type    string             `json:"type"`
	JobID   string             `json:"jobId"`
	Entries []types.AuditEvent `json:"entries"`
}

// AuditEntryMsg is one live audit event.
type AuditEntryMsg struct {
	Type  string           `json:"type"`
	JobID string           `json:"jobId"`
	Entry types.AuditEvent `json:"entry"`
}

// AuditCompletedMsg closes an audit stream once the job is terminal.
type AuditCompletedMsg struct {
	Type   string          `json:"type"`
	JobID  string          `json:"jobId"`
	Status types.JobStatus `json:"status"`
}

// NewStatusMsg builds a StatusMsg from a persisted job.
func NewStatusMsg(job *types.Job) StatusMsg {
	msg := StatusMsg{
		Type:         TypeStatus,
		JobID:        job.ID,
		Status:       job.Status,
		CurrentChunk: job.CurrentChunk,
		TotalChunks:  job.Length.NumChunks,
		InputWords:   job.InputWords,
		TargetWords:  job.Length.TargetMid,
		ErrorMessage: job.ErrorMessage,
		StitchResult: job.Validation,
	}
	if job.Skeleton != nil {
		msg.SkeletonSummary = job.Skeleton.Summary()
	}
	if job.FinalOutput != "" {
		msg.FinalWordCount = textutil.CountWords(job.FinalOutput)
	}
	return msg
}
