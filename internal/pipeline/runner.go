package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"reweave/internal/audit"
	"reweave/internal/directive"
	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/reconstruct"
	"reweave/internal/skeleton"
	"reweave/internal/stitch"
	"reweave/internal/stream"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

// chunkRetries is the number of transport-level retries after a chunk's
// initial attempt; the backoff schedule covers one delay per retry.
const chunkRetries = 3

// Warning cadence: the first shortfall check fires at chunk index 19, then
// every 10 chunks.
const (
	warningFirstIndex = 19
	warningInterval   = 10
	warningShortfall  = 0.25
)

// runner executes one job from its current chunk to a terminal state.
type runner struct {
	m       *Manager
	job     *types.Job
	aborted atomic.Bool
	started time.Time
}

func newRunner(m *Manager, job *types.Job) *runner {
	return &runner{m: m, job: job}
}

func (r *runner) abort() { r.aborted.Store(true) }

func (r *runner) run(ctx context.Context) {
	r.started = time.Now()
	job := r.job
	log := logging.Get(logging.CategoryPipeline)
	log.Info("Job %s worker starting at chunk %d/%d", job.ID, job.CurrentChunk, job.Length.NumChunks)

	r.record(types.AuditJobStarted, map[string]any{
		"inputWords":  job.InputWords,
		"targetWords": job.Length.TargetMid,
		"totalChunks": job.Length.NumChunks,
		"resumedAt":   job.CurrentChunk,
	})
	r.publish(stream.JobStartedMsg{
		Type:        stream.TypeJobStarted,
		JobID:       job.ID,
		TotalChunks: job.Length.NumChunks,
		InputWords:  job.InputWords,
		TargetWords: job.Length.TargetMid,
		LengthMode:  string(job.Length.Mode),
		LengthRatio: job.Length.Ratio,
	})

	if !r.ensureSkeleton(ctx) {
		return
	}
	if !r.processChunks(ctx) {
		return
	}
	r.stitchAndComplete(ctx)
}

// ensureSkeleton extracts the outline unless a resume already has one.
func (r *runner) ensureSkeleton(ctx context.Context) bool {
	job := r.job
	if job.Skeleton.Valid() {
		logging.PipelineDebug("Job %s resuming with existing skeleton", job.ID)
		return true
	}

	r.setStatus(types.JobSkeletonExtraction, "")
	r.progress("skeleton_extraction", "extracting document skeleton")

	client := audit.WrapClient(r.m.client, r.m.audit, job.ID, "skeleton")
	ext := skeleton.New(client)
	sk, err := ext.Extract(ctx, job.SourceText, job.Length, directive.Parse(job.Params.Instructions))
	if err != nil {
		r.fail(fmt.Sprintf("skeleton extraction: %v", err))
		return false
	}
	if err := r.m.store.SetSkeleton(job.ID, sk); err != nil {
		r.fail(fmt.Sprintf("persist skeleton: %v", err))
		return false
	}
	job.Skeleton = sk
	r.record(types.AuditSkeletonExtracted, map[string]any{"sections": len(sk.Sections)})
	r.publish(stream.OutlineMsg{
		Type:     stream.TypeOutline,
		JobID:    job.ID,
		Sections: len(sk.Sections),
		Summary:  sk.Summary(),
	})
	return true
}

// processChunks walks chunks in index order from currentChunk. Returns
// false if the job reached a terminal state (failed or aborted).
func (r *runner) processChunks(ctx context.Context) bool {
	job := r.job
	r.setStatus(types.JobChunkProcessing, "")

	chunks, err := r.m.store.ListChunks(job.ID)
	if err != nil {
		r.fail(fmt.Sprintf("load chunks: %v", err))
		return false
	}
	runningWords := 0
	for _, c := range chunks {
		if c.Index < job.CurrentChunk && c.Status == types.ChunkComplete {
			runningWords += c.ActualWords
		}
	}

	client := audit.WrapClient(r.m.client, r.m.audit, job.ID, "chunk")
	recon := reconstruct.New(client)
	recon.Pause = r.m.opts.ContinuationPause

	total := job.Length.NumChunks
	start := job.CurrentChunk
	for idx := start; idx < total; idx++ {
		if r.aborted.Load() {
			r.finishAborted(idx, total)
			return false
		}
		if idx > job.CurrentChunk {
			r.chunkPause(ctx)
		}

		res, ok := r.processOneChunk(ctx, recon, &chunks[idx], total)
		if !ok {
			return false
		}

		runningWords += res.ActualWords
		completed := idx + 1
		projected := runningWords * total / completed

		r.publish(stream.ChunkCompleteMsg{
			Type:           stream.TypeChunkComplete,
			JobID:          job.ID,
			ChunkIndex:     idx,
			TotalChunks:    total,
			ChunkText:      res.OutputText,
			ActualWords:    res.ActualWords,
			TargetWords:    chunks[idx].TargetWords,
			MinWords:       chunks[idx].MinWords,
			MaxWords:       chunks[idx].MaxWords,
			RunningTotal:   runningWords,
			ProjectedFinal: projected,
			Status:         res.Outcome,
		})

		r.chunkProgress(idx-start+1, completed, total, runningWords, projected)

		if idx >= warningFirstIndex && (idx-warningFirstIndex)%warningInterval == 0 {
			r.maybeWarn(projected)
		}
	}
	if r.aborted.Load() {
		r.finishAborted(total, total)
		return false
	}
	return true
}

// processOneChunk runs one chunk through the reconstructor with transport
// retries, then commits the result.
func (r *runner) processOneChunk(ctx context.Context, recon *reconstruct.Reconstructor, chunk *types.Chunk, total int) (*reconstruct.Result, bool) {
	job := r.job
	log := logging.Get(logging.CategoryPipeline)

	if err := r.m.store.SetChunkStatus(job.ID, chunk.Index, types.ChunkProcessing, chunk.RetryCount); err != nil {
		log.Warn("Job %s chunk %d status update failed: %v", job.ID, chunk.Index, err)
	}
	coherence, err := r.m.store.LoadPriorDeltas(job.ID, chunk.Index)
	if err != nil {
		r.failChunk(chunk.Index, fmt.Sprintf("load prior deltas: %v", err))
		return nil, false
	}
	r.record(types.AuditDBQuery, audit.DBPayload{Table: "chunks", Op: "load_prior_deltas", Key: fmt.Sprintf("%d", chunk.Index)})

	input := reconstruct.Input{
		ChunkText:   chunk.InputText,
		Index:       chunk.Index,
		TotalChunks: total,
		Skeleton:    job.Skeleton,
		TargetWords: chunk.TargetWords,
		MinWords:    chunk.MinWords,
		MaxWords:    chunk.MaxWords,
		Context:     *coherence,
		Params:      job.Params,
	}

	var res *reconstruct.Result
	for attempt := 0; ; attempt++ {
		res, err = recon.Reconstruct(ctx, input)
		if err == nil {
			break
		}
		log.Warn("Job %s chunk %d attempt %d/%d failed: %v", job.ID, chunk.Index, attempt+1, chunkRetries+1, err)
		if attempt == chunkRetries || !llm.IsRetryable(err) {
			r.failChunk(chunk.Index, err.Error())
			return nil, false
		}
		backoff := r.m.opts.RetryBackoffs[min(attempt, len(r.m.opts.RetryBackoffs)-1)]
		select {
		case <-ctx.Done():
			r.failChunk(chunk.Index, ctx.Err().Error())
			return nil, false
		case <-time.After(backoff):
		}
	}

	if err := r.m.store.WriteChunk(job.ID, chunk.Index, res.OutputText, res.ActualWords, res.Flagged, res.Delta); err != nil {
		// The chunk write is critical; a failure here fails the job.
		r.failChunk(chunk.Index, fmt.Sprintf("persist chunk: %v", err))
		return nil, false
	}
	r.record(types.AuditDBUpdate, audit.DBPayload{Table: "chunks", Op: "write_chunk", Key: fmt.Sprintf("%d", chunk.Index)})
	r.record(types.AuditChunkProcessed, audit.ChunkPayload{
		ChunkIndex:  chunk.Index,
		ActualWords: res.ActualWords,
		TargetWords: chunk.TargetWords,
		Outcome:     string(res.Outcome),
		Attempts:    res.Attempts,
		Flagged:     res.Flagged,
	})
	return res, true
}

func (r *runner) maybeWarn(projected int) {
	target := r.job.Length.TargetMid
	if target <= 0 {
		return
	}
	shortfall := 1.0 - float64(projected)/float64(target)
	if shortfall <= warningShortfall {
		return
	}
	r.publish(stream.WarningMsg{
		Type:           stream.TypeWarning,
		JobID:          r.job.ID,
		Message:        fmt.Sprintf("projected final length %d words is %.0f%% short of the %d word target", projected, shortfall*100, target),
		ProjectedFinal: projected,
		TargetWords:    target,
		Shortfall:      shortfall,
	})
}

func (r *runner) stitchAndComplete(ctx context.Context) {
	job := r.job
	r.setStatus(types.JobStitching, "")
	r.progress("stitching", "validating cross-chunk coherence")

	chunks, err := r.m.store.ListChunks(job.ID)
	if err != nil {
		r.fail(fmt.Sprintf("load chunks for stitch: %v", err))
		return
	}

	client := audit.WrapClient(r.m.client, r.m.audit, job.ID, "stitch")
	final, result := stitch.New(client).Stitch(ctx, job.Skeleton, chunks)

	flagged := 0
	for _, c := range chunks {
		if c.Flagged {
			flagged++
		}
	}
	if flagged > 0 {
		note := fmt.Sprintf("%d chunks finished below their minimum length", flagged)
		if result.Annotation != "" {
			result.Annotation += "; " + note
		} else {
			result.Annotation = note
		}
	}
	r.record(types.AuditStitchPass, map[string]any{
		"coherenceScore": result.CoherenceScore,
		"conflicts":      len(result.Conflicts),
		"flaggedChunks":  flagged,
	})

	if err := r.m.store.SetFinalOutput(job.ID, final, result); err != nil {
		r.fail(fmt.Sprintf("persist final output: %v", err))
		return
	}
	r.setStatus(types.JobComplete, "")

	elapsed := time.Since(r.started).Round(time.Second)
	finalWords := textutil.CountWords(final)
	r.record(types.AuditJobCompleted, map[string]any{
		"finalWords":  finalWords,
		"targetWords": job.Length.TargetMid,
		"elapsed":     elapsed.String(),
	})
	r.publish(stream.JobCompleteMsg{
		Type:           stream.TypeJobComplete,
		JobID:          job.ID,
		FinalOutput:    final,
		FinalWordCount: finalWords,
		TargetWords:    job.Length.TargetMid,
		StitchResult:   result,
		TimeElapsed:    elapsed.String(),
	})
	r.auditCompleted(types.JobComplete)
	logging.Pipeline("Job %s complete: %d/%d words in %v", job.ID, finalWords, job.Length.TargetMid, elapsed)
}

// finishAborted lands the job in aborted state, preserving every complete
// chunk as partial output.
func (r *runner) finishAborted(nextIndex, total int) {
	job := r.job
	r.setStatus(types.JobAborted, "")

	chunks, err := r.m.store.ListChunks(job.ID)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("Job %s abort: load chunks failed: %v", job.ID, err)
		chunks = nil
	}
	var complete []types.Chunk
	for _, c := range chunks {
		if c.Status == types.ChunkComplete {
			complete = append(complete, c)
		}
	}
	partial := stitch.Concatenate(complete)

	r.record(types.AuditJobCompleted, map[string]any{
		"status":          string(types.JobAborted),
		"completedChunks": len(complete),
		"totalChunks":     total,
	})
	r.publish(stream.JobAbortedMsg{
		Type:            stream.TypeJobAborted,
		JobID:           job.ID,
		CompletedChunks: len(complete),
		TotalChunks:     total,
		PartialOutput:   partial,
		WordCount:       textutil.CountWords(partial),
	})
	r.auditCompleted(types.JobAborted)
	logging.Pipeline("Job %s aborted at chunk %d with %d complete chunks", job.ID, nextIndex, len(complete))
}

func (r *runner) failChunk(index int, msg string) {
	if err := r.m.store.SetChunkStatus(r.job.ID, index, types.ChunkFailed, chunkRetries); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Job %s chunk %d fail-status update failed: %v", r.job.ID, index, err)
	}
	r.fail(fmt.Sprintf("chunk %d: %s", index, msg))
}

func (r *runner) fail(msg string) {
	job := r.job
	stage := string(job.Status)
	logging.Get(logging.CategoryPipeline).Error("Job %s failed: %s", job.ID, msg)
	r.setStatus(types.JobFailed, msg)
	r.record(types.AuditError, audit.ErrorPayload{Stage: stage, Message: msg})
	r.publish(stream.JobFailedMsg{Type: stream.TypeJobFailed, JobID: job.ID, Error: msg})
	r.auditCompleted(types.JobFailed)
}

func (r *runner) setStatus(status types.JobStatus, errMsg string) {
	if err := r.m.store.UpdateJobStatus(r.job.ID, status, errMsg); err != nil {
		// Status updates are non-critical writes.
		logging.Get(logging.CategoryPipeline).Warn("Job %s status update to %s failed: %v", r.job.ID, status, err)
	}
	r.job.Status = status
}

// chunkProgress reports running statistics after each chunk. The remaining
// time estimate extrapolates from chunks processed in this run only, so a
// resume does not inherit a stale rate.
func (r *runner) chunkProgress(processedThisRun, completed, total, runningWords, projected int) {
	elapsed := time.Since(r.started)
	var estimated time.Duration
	if remaining := total - completed; remaining > 0 && processedThisRun > 0 {
		estimated = (elapsed / time.Duration(processedThisRun) * time.Duration(remaining)).Round(time.Second)
	}
	r.publish(stream.ProgressMsg{
		Type:               stream.TypeProgress,
		JobID:              r.job.ID,
		Phase:              "chunk_processing",
		Message:            fmt.Sprintf("chunk %d/%d complete", completed, total),
		CompletedChunks:    completed,
		TotalChunks:        total,
		WordsProcessed:     runningWords,
		TargetWords:        r.job.Length.TargetMid,
		ProjectedFinal:     projected,
		TimeElapsed:        elapsed.Round(time.Second).String(),
		EstimatedRemaining: estimated.String(),
	})
}

func (r *runner) progress(phase, message string) {
	r.publish(stream.ProgressMsg{
		Type:        stream.TypeProgress,
		JobID:       r.job.ID,
		Phase:       phase,
		Message:     message,
		TotalChunks: r.job.Length.NumChunks,
		TargetWords: r.job.Length.TargetMid,
		TimeElapsed: time.Since(r.started).Round(time.Second).String(),
	})
}

func (r *runner) chunkPause(ctx context.Context) {
	min, max := r.m.opts.ChunkPauseMin, r.m.opts.ChunkPauseMax
	pause := min
	if max > min {
		pause = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if pause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(pause):
	}
}

func (r *runner) publish(msg any) {
	if r.m.hub != nil {
		r.m.hub.Publish(r.job.ID, msg)
	}
}

func (r *runner) record(kind types.AuditKind, payload any) {
	if r.m.audit != nil {
		r.m.audit.Record(r.job.ID, kind, payload)
	}
}

func (r *runner) auditCompleted(status types.JobStatus) {
	if r.m.audit != nil {
		r.m.audit.Completed(r.job.ID, status)
	}
}
