// Package pipeline is the job controller: it validates input, creates jobs
// with their chunk plan, and drives each job through skeleton extraction,
// sequential chunk reconstruction, and the final stitch pass. One worker
// runs per job; a process-wide registry rejects duplicate runners.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reweave/internal/audit"
	"reweave/internal/chunker"
	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/store"
	"reweave/internal/stream"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

// Input size bounds. Documents at or below the minimum carry too little
// structure to chunk; the maximum bounds skeleton prompt size.
const (
	MinInputWords = 501
	MaxInputWords = 50000
)

// ErrJobActive is returned when a runner already exists for the job.
var ErrJobActive = errors.New("job is already running")

// Options tunes the pacing and retry behavior of job workers.
type Options struct {
	// Pause range between chunks, to avoid provider throttling.
	ChunkPauseMin time.Duration
	ChunkPauseMax time.Duration
	// Pause between length-enforcement continuations.
	ContinuationPause time.Duration
	// Backoffs for transport-level chunk retries.
	RetryBackoffs []time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkPauseMin == 0 {
		o.ChunkPauseMin = 500 * time.Millisecond
	}
	if o.ChunkPauseMax < o.ChunkPauseMin {
		o.ChunkPauseMax = 2000 * time.Millisecond
	}
	if o.ContinuationPause == 0 {
		o.ContinuationPause = 300 * time.Millisecond
	}
	if len(o.RetryBackoffs) == 0 {
		o.RetryBackoffs = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}
	}
	return o
}

// Manager owns the active-jobs registry and creates workers.
type Manager struct {
	store  *store.Store
	hub    *stream.Hub
	audit  *audit.Recorder
	client llm.Client
	opts   Options

	mu     sync.RWMutex
	active map[string]*runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the controller to its collaborators.
func NewManager(s *store.Store, hub *stream.Hub, rec *audit.Recorder, client llm.Client, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  s,
		hub:    hub,
		audit:  rec,
		client: client,
		opts:   opts.withDefaults(),
		active: make(map[string]*runner),
		ctx:    ctx,
		cancel: cancel,
	}
}

// CreateJob validates the input, derives the length plan, splits the text
// into chunks and persists everything. The job is created pending; RunJob
// launches the worker.
func (m *Manager) CreateJob(text string, params types.UserParams) (*types.Job, error) {
	text = strings.TrimSpace(text)
	words := textutil.CountWords(text)
	if words < MinInputWords {
		return nil, fmt.Errorf("input too short: %d words (minimum %d)", words, MinInputWords)
	}
	if words > MaxInputWords {
		return nil, fmt.Errorf("input too long: %d words (maximum %d)", words, MaxInputWords)
	}

	length := textutil.CalculateLengthConfig(words, 0, 0, params.Instructions)
	pieces := chunker.SplitN(text, length.NumChunks)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("input produced no chunks")
	}
	length.NumChunks = len(pieces)

	job := &types.Job{
		ID:         uuid.NewString(),
		SourceText: text,
		InputWords: words,
		Length:     length,
		Params:     params,
		Status:     types.JobPending,
	}

	chunks := make([]types.Chunk, len(pieces))
	for i, p := range pieces {
		target := chunkTarget(p.WordCount, length.Ratio)
		min, max := types.LengthBand(target)
		chunks[i] = types.Chunk{
			JobID:       job.ID,
			Index:       i,
			InputText:   p.Text,
			InputWords:  p.WordCount,
			TargetWords: target,
			MinWords:    min,
			MaxWords:    max,
			Status:      types.ChunkPending,
		}
	}

	if err := m.store.CreateJob(job, chunks); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	logging.Pipeline("Job %s created: %d words in, %d chunks, mode=%s target=%d",
		job.ID, words, len(chunks), length.Mode, length.TargetMid)
	return job, nil
}

// chunkTarget sizes one chunk's output from its share of the input.
func chunkTarget(inputWords int, ratio float64) int {
	target := int(math.Round(float64(inputWords) * ratio))
	if target < textutil.MinChunkTarget {
		target = textutil.MinChunkTarget
	}
	if target > textutil.MaxChunkTarget {
		target = textutil.MaxChunkTarget
	}
	return target
}

// RunJob launches the worker for a pending or resumable job. Exactly one
// worker may be active per job; concurrent attempts get ErrJobActive.
func (m *Manager) RunJob(jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobComplete || job.Status == types.JobAborted {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	m.mu.Lock()
	if _, ok := m.active[jobID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	r := newRunner(m, job)
	m.active[jobID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, jobID)
			m.mu.Unlock()
		}()
		r.run(m.ctx)
	}()
	return nil
}

// AbortJob sets the cooperative abort flag; the worker honors it at the
// next chunk boundary.
func (m *Manager) AbortJob(jobID string) error {
	m.mu.RLock()
	r, ok := m.active[jobID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s has no active worker", jobID)
	}
	r.abort()
	logging.Pipeline("Job %s abort requested", jobID)
	return nil
}

// GetJob loads the persisted job state.
func (m *Manager) GetJob(jobID string) (*types.Job, error) {
	return m.store.GetJob(jobID)
}

// ActiveJobs returns the ids of jobs with a live worker.
func (m *Manager) ActiveJobs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting work and waits for running workers to finish their
// current chunk and wind down.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
