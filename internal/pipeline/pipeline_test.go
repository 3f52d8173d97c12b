package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reweave/internal/audit"
	"reweave/internal/llm"
	"reweave/internal/reconstruct"
	"reweave/internal/store"
	"reweave/internal/stream"
	"reweave/internal/types"
)

// scriptedLLM answers skeleton, chunk, continuation and stitch prompts
// deterministically, sized from the request's token cap.
func scriptedLLM() *llm.StubClient {
	return &llm.StubClient{Default: func(req llm.Request, call int) *llm.Completion {
		switch {
		case strings.Contains(req.System, "document architect"):
			return &llm.Completion{Text: `{"sections": [{"id": 0, "title": "Main", "target_words": 1000}]}`}
		case strings.Contains(req.System, "validating"):
			return &llm.Completion{Text: `{"coherence_score": "good", "verdict": "coherent"}`}
		case strings.Contains(req.System, "continuing"):
			return &llm.Completion{Text: llm.GenerateWords(req.MaxTokens/2, "cont")}
		default:
			target := req.MaxTokens / 2
			body := llm.GenerateWords(target, "out")
			delta := `{"new_claims_introduced": ["claim"], "terms_used": [{"term": "entropy"}]}`
			return &llm.Completion{Text: body + "\n" + reconstruct.DeltaMarker + "\n" + delta}
		}
	}}
}

func fastOptions() Options {
	return Options{
		ChunkPauseMin:     time.Nanosecond,
		ChunkPauseMax:     time.Microsecond,
		ContinuationPause: time.Nanosecond,
		RetryBackoffs:     []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func newTestManager(t *testing.T, client llm.Client) (*Manager, *store.Store, *stream.Hub) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	hub := stream.NewHub()
	m := NewManager(s, hub, audit.New(s, hub), client, fastOptions())
	t.Cleanup(func() {
		m.Close()
		hub.Stop()
		s.Close()
	})
	return m, s, hub
}

// nextMsg reads one message and returns its envelope type plus raw bytes.
func nextMsg(t *testing.T, obs *stream.Observer) (string, []byte) {
	t.Helper()
	select {
	case data, ok := <-obs.C():
		require.True(t, ok, "observer channel closed")
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		return env.Type, data
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return "", nil
	}
}

// collectUntil reads messages until one of the given terminal types.
func collectUntil(t *testing.T, obs *stream.Observer, terminal ...string) map[string][][]byte {
	t.Helper()
	byType := make(map[string][][]byte)
	for {
		typ, data := nextMsg(t, obs)
		byType[typ] = append(byType[typ], data)
		for _, want := range terminal {
			if typ == want {
				return byType
			}
		}
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	m, s, hub := newTestManager(t, scriptedLLM())

	job, err := m.CreateJob(llm.GenerateWords(3000, "src"), types.UserParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, job.Length.NumChunks)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))
	msgs := collectUntil(t, obs, stream.TypeJobComplete, stream.TypeJobFailed)

	require.Len(t, msgs[stream.TypeJobFailed], 0)
	require.Len(t, msgs[stream.TypeJobStarted], 1)
	require.Len(t, msgs[stream.TypeOutline], 1)
	require.Len(t, msgs[stream.TypeChunkComplete], 3)

	// chunk_complete messages arrive exactly once each, in index order.
	for i, raw := range msgs[stream.TypeChunkComplete] {
		var cc stream.ChunkCompleteMsg
		require.NoError(t, json.Unmarshal(raw, &cc))
		assert.Equal(t, i, cc.ChunkIndex)
		assert.Equal(t, types.OutcomeOnTarget, cc.Status)
	}

	// Per-chunk progress carries running statistics.
	var chunkProgress []stream.ProgressMsg
	for _, raw := range msgs[stream.TypeProgress] {
		var p stream.ProgressMsg
		require.NoError(t, json.Unmarshal(raw, &p))
		if p.Phase == "chunk_processing" {
			chunkProgress = append(chunkProgress, p)
		}
	}
	require.Len(t, chunkProgress, 3)
	for i, p := range chunkProgress {
		assert.Equal(t, i+1, p.CompletedChunks)
		assert.Equal(t, 3, p.TotalChunks)
		assert.Greater(t, p.WordsProcessed, 0)
		assert.Greater(t, p.ProjectedFinal, 0)
		assert.NotEmpty(t, p.TimeElapsed)
		assert.NotEmpty(t, p.EstimatedRemaining)
	}

	var done stream.JobCompleteMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeJobComplete][0], &done))
	assert.NotEmpty(t, done.FinalOutput)
	assert.Equal(t, types.CoherenceGood, done.StitchResult.CoherenceScore)

	stored, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, stored.Status)
	assert.Equal(t, 3, stored.CurrentChunk)

	chunks, err := s.ListChunks(job.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, types.ChunkComplete, c.Status)
		assert.GreaterOrEqual(t, c.ActualWords, c.MinWords)
		assert.NotNil(t, c.Delta)
	}

	// Audit sequence numbers are strictly increasing and contiguous.
	events, err := s.ListAudit(job.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestCreateJobInputBounds(t *testing.T) {
	m, _, _ := newTestManager(t, scriptedLLM())

	_, err := m.CreateJob(llm.GenerateWords(500, "w"), types.UserParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")

	_, err = m.CreateJob(llm.GenerateWords(50001, "w"), types.UserParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")

	_, err = m.CreateJob(llm.GenerateWords(501, "w"), types.UserParams{})
	assert.NoError(t, err)
}

func TestChunkRetriesTransientErrorThenSucceeds(t *testing.T) {
	inner := scriptedLLM()
	var failed atomic.Bool
	flaky := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if !strings.Contains(req.System, "architect") && !strings.Contains(req.System, "validating") && failed.CompareAndSwap(false, true) {
			return nil, &llm.TransportError{Err: errors.New("connection reset")}
		}
		return inner.Complete(ctx, req)
	})

	m, s, hub := newTestManager(t, flaky)
	job, err := m.CreateJob(llm.GenerateWords(1000, "src"), types.UserParams{})
	require.NoError(t, err)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))
	msgs := collectUntil(t, obs, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobFailed], 0)

	stored, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, stored.Status)
}

func TestTransportFailureExhaustsRetriesAndFailsJob(t *testing.T) {
	inner := scriptedLLM()
	var attempts atomic.Int32
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.System, "architect") {
			return inner.Complete(ctx, req)
		}
		attempts.Add(1)
		return nil, &llm.TransportError{Err: errors.New("provider down")}
	})

	m, s, hub := newTestManager(t, client)
	job, err := m.CreateJob(llm.GenerateWords(1000, "src"), types.UserParams{})
	require.NoError(t, err)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))
	msgs := collectUntil(t, obs, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobFailed], 1)

	var failed stream.JobFailedMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeJobFailed][0], &failed))
	assert.Contains(t, failed.Error, "chunk 0")

	// One initial attempt plus three backed-off retries.
	assert.Equal(t, int32(4), attempts.Load())

	stored, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	chunks, err := s.ListChunks(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkFailed, chunks[0].Status)
}

func TestAbortAtChunkBoundary(t *testing.T) {
	inner := scriptedLLM()
	gate := make(chan struct{}, 16)
	gated := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if !strings.Contains(req.System, "architect") {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, &llm.TransportError{Err: ctx.Err()}
			}
		}
		return inner.Complete(ctx, req)
	})

	m, s, hub := newTestManager(t, gated)
	job, err := m.CreateJob(llm.GenerateWords(4000, "src"), types.UserParams{})
	require.NoError(t, err)
	require.Equal(t, 4, job.Length.NumChunks)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))

	// Let exactly one chunk through, then abort. The worker may already be
	// inside the next chunk's LLM call, which abort never interrupts, so
	// feed the gate enough for at most that one in-flight chunk.
	gate <- struct{}{}
	var sawChunk bool
	for !sawChunk {
		typ, _ := nextMsg(t, obs)
		sawChunk = typ == stream.TypeChunkComplete
	}
	require.NoError(t, m.AbortJob(job.ID))
	for i := 0; i < 8; i++ {
		gate <- struct{}{}
	}

	msgs := collectUntil(t, obs, stream.TypeJobAborted, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobAborted], 1)
	// At most the in-flight chunk finishes after the abort request; the
	// flag is honored at the following boundary.
	assert.LessOrEqual(t, len(msgs[stream.TypeChunkComplete]), 1)

	var aborted stream.JobAbortedMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeJobAborted][0], &aborted))
	completed := 1 + len(msgs[stream.TypeChunkComplete])
	assert.Equal(t, completed, aborted.CompletedChunks)
	assert.Equal(t, 4, aborted.TotalChunks)
	assert.NotEmpty(t, aborted.PartialOutput)

	stored, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAborted, stored.Status)
	assert.Equal(t, completed, stored.CurrentChunk)
}

func TestResumeFromCurrentChunk(t *testing.T) {
	inner := scriptedLLM()
	// First run: chunk index 1 always fails at the transport level.
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	s, err := store.New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	var chunkCalls atomic.Int32
	failing := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.System, "rewriting one chunk") && chunkCalls.Add(1) > 1 {
			return nil, &llm.TransportError{Err: errors.New("provider down")}
		}
		return inner.Complete(ctx, req)
	})

	hub1 := stream.NewHub()
	m1 := NewManager(s, hub1, audit.New(s, hub1), failing, fastOptions())
	job, err := m1.CreateJob(llm.GenerateWords(2000, "src"), types.UserParams{})
	require.NoError(t, err)
	require.Equal(t, 2, job.Length.NumChunks)

	obs1 := hub1.Subscribe(job.ID)
	require.NoError(t, m1.RunJob(job.ID))
	collectUntil(t, obs1, stream.TypeJobFailed)
	m1.Close()
	hub1.Stop()

	stored, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, stored.Status)
	require.Equal(t, 1, stored.CurrentChunk)
	chunk0, err := s.GetChunk(job.ID, 0)
	require.NoError(t, err)
	firstOutput := chunk0.OutputText

	// Second run simulates a fresh process with a healthy provider.
	skeletonCalls := 0
	healthy := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.System, "architect") {
			skeletonCalls++
		}
		return inner.Complete(ctx, req)
	})
	hub2 := stream.NewHub()
	defer hub2.Stop()
	m2 := NewManager(s, hub2, audit.New(s, hub2), healthy, fastOptions())
	defer m2.Close()

	obs2 := hub2.Subscribe(job.ID)
	require.NoError(t, m2.RunJob(job.ID))
	msgs := collectUntil(t, obs2, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobFailed], 0)

	// The skeleton survives the restart, so extraction does not re-run,
	// and only the unfinished chunk is processed.
	assert.Equal(t, 0, skeletonCalls)
	require.Len(t, msgs[stream.TypeChunkComplete], 1)
	var cc stream.ChunkCompleteMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeChunkComplete][0], &cc))
	assert.Equal(t, 1, cc.ChunkIndex)

	chunk0After, err := s.GetChunk(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, firstOutput, chunk0After.OutputText)

	final, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, final.Status)
	assert.Equal(t, 2, final.CurrentChunk)
}

func TestDuplicateRunnerRejected(t *testing.T) {
	inner := scriptedLLM()
	gate := make(chan struct{})
	gated := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &llm.TransportError{Err: ctx.Err()}
		}
		return inner.Complete(ctx, req)
	})

	m, _, _ := newTestManager(t, gated)
	job, err := m.CreateJob(llm.GenerateWords(1000, "src"), types.UserParams{})
	require.NoError(t, err)

	require.NoError(t, m.RunJob(job.ID))
	err = m.RunJob(job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobActive)
	assert.Contains(t, m.ActiveJobs(), job.ID)
	close(gate)
}

func TestFlaggedChunkCompletesJob(t *testing.T) {
	// Chunk responses deliver 60% of target up front and nothing on
	// continuation, so the enforcer caps out below minimum.
	inner := scriptedLLM()
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		switch {
		case strings.Contains(req.System, "continuing"):
			return &llm.Completion{Text: ""}, nil
		case strings.Contains(req.System, "rewriting one chunk"):
			return &llm.Completion{Text: llm.GenerateWords(req.MaxTokens*6/20, "short")}, nil
		default:
			return inner.Complete(ctx, req)
		}
	})

	m, s, hub := newTestManager(t, client)
	job, err := m.CreateJob(llm.GenerateWords(1000, "src"), types.UserParams{})
	require.NoError(t, err)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))
	msgs := collectUntil(t, obs, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobFailed], 0, "a flagged chunk must not fail the job")

	var cc stream.ChunkCompleteMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeChunkComplete][0], &cc))
	assert.Equal(t, types.OutcomeFlagged, cc.Status)

	var done stream.JobCompleteMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeJobComplete][0], &done))
	require.NotNil(t, done.StitchResult)
	assert.Contains(t, done.StitchResult.Annotation, "below their minimum length")

	chunks, err := s.ListChunks(job.ID)
	require.NoError(t, err)
	assert.True(t, chunks[0].Flagged)
	assert.Equal(t, types.ChunkComplete, chunks[0].Status)
}

func TestShortfallWarning(t *testing.T) {
	// 20 chunks, every chunk lands around 55% of target: projected final
	// stays >25% short, so the index-19 check emits a warning.
	inner := scriptedLLM()
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		switch {
		case strings.Contains(req.System, "continuing"):
			return &llm.Completion{Text: ""}, nil
		case strings.Contains(req.System, "rewriting one chunk"):
			return &llm.Completion{Text: llm.GenerateWords(req.MaxTokens*11/40, "short")}, nil
		default:
			return inner.Complete(ctx, req)
		}
	})

	m, _, hub := newTestManager(t, client)
	job, err := m.CreateJob(llm.GenerateWords(20000, "src"), types.UserParams{})
	require.NoError(t, err)
	require.Equal(t, 20, job.Length.NumChunks)

	obs := hub.Subscribe(job.ID)
	require.NoError(t, m.RunJob(job.ID))
	msgs := collectUntil(t, obs, stream.TypeJobComplete, stream.TypeJobFailed)
	require.Len(t, msgs[stream.TypeJobFailed], 0)
	require.NotEmpty(t, msgs[stream.TypeWarning])

	var warning stream.WarningMsg
	require.NoError(t, json.Unmarshal(msgs[stream.TypeWarning][0], &warning))
	assert.Greater(t, warning.Shortfall, 0.25)
	assert.Equal(t, job.Length.TargetMid, warning.TargetWords)
}

func TestRunJobUnknownAndTerminal(t *testing.T) {
	m, s, _ := newTestManager(t, scriptedLLM())

	err := m.RunJob("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	job, err := m.CreateJob(llm.GenerateWords(1000, "src"), types.UserParams{})
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobStatus(job.ID, types.JobComplete, ""))
	err = m.RunJob(job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already complete")
}

func TestAbortWithoutWorker(t *testing.T) {
	m, _, _ := newTestManager(t, scriptedLLM())
	err := m.AbortJob("nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active worker")
}

func TestChunkTargetClamping(t *testing.T) {
	assert.Equal(t, 600, chunkTarget(100, 1.0))
	assert.Equal(t, 1000, chunkTarget(1000, 1.0))
	assert.Equal(t, 4000, chunkTarget(1000, 19.0))
	assert.Equal(t, 600, chunkTarget(1200, 0.5))
}
