// Package reconstruct generates one output chunk at a time: a first LLM
// pass sized to the chunk's word target, followed by a continuation loop
// when the output comes back short or truncated. Each chunk also yields a
// coherence delta (claims, terms, conflicts) for downstream chunks.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

const (
	// DeltaMarker separates the prose body from the structured delta in a
	// model response.
	DeltaMarker = "=== CHUNK DELTA ==="

	// ContinuationPause is the default sleep between continuation attempts.
	ContinuationPause = 300 * time.Millisecond

	// maxContinuations caps the enforcement loop, not counting the first
	// generation pass.
	maxContinuations     = 20
	maxContinuationWords = 4000
	tailParagraphs       = 3
)

// Input carries everything the reconstructor needs for one chunk.
type Input struct {
	ChunkText   string
	Index       int
	TotalChunks int
	Skeleton    *types.Skeleton
	TargetWords int
	MinWords    int
	MaxWords    int
	Context     types.CoherenceContext
	Params      types.UserParams
}

// Result is the reconstructed chunk plus its coherence delta.
type Result struct {
	OutputText  string
	ActualWords int
	Delta       *types.ChunkDelta
	Attempts    int
	Flagged     bool
	Outcome     types.ChunkOutcome
}

// Reconstructor drives first-pass generation and length enforcement.
type Reconstructor struct {
	client llm.Client

	// Pause between continuation attempts. Exposed so the pipeline can
	// tune it from config and tests can zero it.
	Pause time.Duration
}

// New creates a reconstructor backed by the given LLM client.
func New(client llm.Client) *Reconstructor {
	return &Reconstructor{client: client, Pause: ContinuationPause}
}

// Reconstruct generates one chunk. The first pass asks for the full target;
// if the result is short of min words or was cut off at the token cap, the
// continuation loop extends it until 95% of target or the continuation cap.
func (r *Reconstructor) Reconstruct(ctx context.Context, in Input) (*Result, error) {
	log := logging.Get(logging.CategoryPipeline)

	completion, err := r.client.Complete(ctx, llm.Request{
		System:    firstPassSystem,
		Prompt:    r.firstPassPrompt(in),
		MaxTokens: 2 * in.TargetWords,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d first pass: %w", in.Index, err)
	}

	body, delta := splitDelta(completion.Text)
	attempts := 1
	words := textutil.CountWords(body)
	stop := completion.StopReason
	log.Debug("Chunk %d first pass: %d/%d words, stop=%s", in.Index, words, in.TargetWords, stop)

	body, delta, words, attempts, stop, err = r.enforce(ctx, in, body, delta, words, attempts, stop)
	if err != nil {
		return nil, err
	}

	if delta == nil {
		delta = synthesizeDelta(body)
	}

	res := &Result{
		OutputText:  body,
		ActualWords: words,
		Delta:       delta,
		Attempts:    attempts,
	}
	switch {
	case words < in.MinWords:
		res.Flagged = true
		res.Outcome = types.OutcomeFlagged
		log.Warn("Chunk %d flagged: %d words below minimum %d after %d attempts",
			in.Index, words, in.MinWords, attempts)
	case attempts > 1:
		res.Outcome = types.OutcomePassedAfterRetry
	default:
		res.Outcome = types.OutcomeOnTarget
	}
	return res, nil
}

// enforce runs the continuation loop. A response that stopped at the token
// cap forces a continuation even when the word budget looks met, since the
// text likely ends mid-sentence.
func (r *Reconstructor) enforce(ctx context.Context, in Input, body string, delta *types.ChunkDelta, words, attempts int, stop llm.StopReason) (string, *types.ChunkDelta, int, int, llm.StopReason, error) {
	log := logging.Get(logging.CategoryPipeline)
	threshold := int(0.95 * float64(in.TargetWords))

	continuations := 0
	for continuations < maxContinuations && (words < threshold || stop == llm.StopMaxTokens) {
		if r.Pause > 0 {
			select {
			case <-ctx.Done():
				return body, delta, words, attempts, stop, ctx.Err()
			case <-time.After(r.Pause):
			}
		}

		remaining := in.TargetWords - words
		request := remaining
		if request > maxContinuationWords {
			request = maxContinuationWords
		}
		if request < 100 {
			// Truncated responses still need room to finish the thought.
			request = 100
		}
		forced := words >= threshold && stop == llm.StopMaxTokens
		if forced {
			log.Debug("Chunk %d forced continuation: budget met but response was truncated", in.Index)
		}

		completion, err := r.client.Complete(ctx, llm.Request{
			System:    continuationSystem,
			Prompt:    r.continuationPrompt(in, body, request, remaining),
			MaxTokens: 2 * request,
		})
		if err != nil {
			return body, delta, words, attempts, stop, fmt.Errorf("chunk %d continuation %d: %w", in.Index, continuations+1, err)
		}

		contBody, contDelta := splitDelta(completion.Text)
		contBody = strings.TrimSpace(contBody)
		if contBody != "" {
			body = body + "\n\n" + contBody
		}
		delta = mergeDelta(delta, contDelta)
		words = textutil.CountWords(body)
		stop = completion.StopReason
		continuations++
		attempts++
		log.Debug("Chunk %d continuation %d: %d/%d words, stop=%s", in.Index, continuations, words, in.TargetWords, stop)
	}
	return body, delta, words, attempts, stop, nil
}

const firstPassSystem = `You are rewriting one chunk of a larger document. Honor the document outline and never contradict the accumulated claims from prior chunks. Write flowing prose sized to the stated word target.

After the prose, append a line containing exactly:
=== CHUNK DELTA ===
followed by a JSON object:
{"new_claims_introduced": [...], "terms_used": [{"term": "...", "sense": "..."}], "conflicts_detected": [{"description": "...", "with_chunk": 0}], "ledger_additions": [{"fact": "...", "source_chunk": 0}]}`

const continuationSystem = `You are continuing a document chunk that ended short or mid-thought. Pick up exactly where the excerpt leaves off. Do not repeat, summarize, or restate prior content. Do not emit headings or a delta block.`

func (r *Reconstructor) firstPassPrompt(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chunk %d of %d. Target %d words (acceptable range %d-%d).\n\n",
		in.Index+1, in.TotalChunks, in.TargetWords, in.MinWords, in.MaxWords)

	if in.Skeleton != nil {
		fmt.Fprintf(&sb, "=== DOCUMENT OUTLINE ===\n%s\n\n", in.Skeleton.Summary())
	}
	if ctx := in.Context.Summary(); ctx != "" {
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}
	writeParams(&sb, in.Params)
	fmt.Fprintf(&sb, "=== CHUNK SOURCE ===\n%s\n", in.ChunkText)
	return sb.String()
}

func (r *Reconstructor) continuationPrompt(in Input, body string, request, remaining int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Continue the chunk below with approximately %d more words.\n", request)
	sb.WriteString("Do not repeat earlier content.")
	if remaining > maxContinuationWords {
		fmt.Fprintf(&sb, " Do not conclude yet; about %d words remain overall.", remaining)
	}
	sb.WriteString("\n\n")
	writeParams(&sb, in.Params)
	fmt.Fprintf(&sb, "=== TEXT SO FAR (last paragraphs) ===\n%s\n", lastParagraphs(body, tailParagraphs))
	return sb.String()
}

func writeParams(sb *strings.Builder, p types.UserParams) {
	if p.Audience != "" {
		fmt.Fprintf(sb, "Audience: %s.\n", p.Audience)
	}
	if p.Rigor != "" {
		fmt.Fprintf(sb, "Rigor level: %s.\n", p.Rigor)
	}
	if p.Instructions != "" {
		fmt.Fprintf(sb, "Instructions: %s\n", p.Instructions)
	}
	if p.Audience != "" || p.Rigor != "" || p.Instructions != "" {
		sb.WriteString("\n")
	}
}

// lastParagraphs returns the trailing n paragraphs of text verbatim.
func lastParagraphs(text string, n int) string {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	if len(paras) > n {
		paras = paras[len(paras)-n:]
	}
	return strings.Join(paras, "\n\n")
}

// splitDelta separates the prose body from a trailing delta block. A
// malformed delta block is dropped; the caller synthesizes one instead.
func splitDelta(text string) (string, *types.ChunkDelta) {
	idx := strings.LastIndex(text, DeltaMarker)
	if idx < 0 {
		return strings.TrimSpace(text), nil
	}
	body := strings.TrimSpace(text[:idx])
	tail := text[idx+len(DeltaMarker):]

	start := strings.Index(tail, "{")
	end := strings.LastIndex(tail, "}")
	if start < 0 || end <= start {
		return body, nil
	}
	var delta types.ChunkDelta
	if err := json.Unmarshal([]byte(tail[start:end+1]), &delta); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Dropping malformed chunk delta: %v", err)
		return body, nil
	}
	return body, &delta
}

// mergeDelta folds a continuation's delta (if any) into the accumulated one.
func mergeDelta(base, extra *types.ChunkDelta) *types.ChunkDelta {
	if extra == nil {
		return base
	}
	if base == nil {
		return extra
	}
	base.NewClaimsIntroduced = append(base.NewClaimsIntroduced, extra.NewClaimsIntroduced...)
	base.TermsUsed = append(base.TermsUsed, extra.TermsUsed...)
	base.ConflictsDetected = append(base.ConflictsDetected, extra.ConflictsDetected...)
	base.LedgerAdditions = append(base.LedgerAdditions, extra.LedgerAdditions...)
	return base
}

// synthesizeDelta derives a minimal delta from the output when the model
// failed to emit one: the lead sentence of each paragraph becomes a claim.
func synthesizeDelta(body string) *types.ChunkDelta {
	delta := &types.ChunkDelta{}
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		sentence := para
		if cut := strings.IndexAny(para, ".!?"); cut > 0 {
			sentence = para[:cut+1]
		}
		if textutil.CountWords(sentence) >= 4 {
			delta.NewClaimsIntroduced = append(delta.NewClaimsIntroduced, strings.TrimSpace(sentence))
		}
		if len(delta.NewClaimsIntroduced) >= 5 {
			break
		}
	}
	return delta
}
