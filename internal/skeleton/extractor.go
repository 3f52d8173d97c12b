// Package skeleton extracts the structured outline of the reconstructed
// document in one LLM pass over the full source. The skeleton is read-only
// after extraction; chunk reconstruction cites its sections by id.
package skeleton

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reweave/internal/directive"
	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

const (
	maxAttempts  = 3
	baseBackoff  = 1 * time.Second
	maxBackoff   = 30 * time.Second
	maxTokensCap = 8192

	// Sections the model left unbudgeted get at least this many words.
	minSectionBudget = 300
)

const systemPrompt = `You are a document architect. Given a source document and a target length, produce a JSON outline of the reconstructed document.

Respond with ONLY a JSON object of this shape:
{
  "sections": [
    {
      "id": 0,
      "title": "section title",
      "claims": ["key claim this section must carry"],
      "target_words": 1200,
      "terms": ["canonical term introduced here"],
      "related": [2, 3]
    }
  ]
}

Rules:
- Cover every major claim of the source. Do not invent content.
- target_words across sections should sum to the stated target length.
- "related" lists ids of sections whose claims this section depends on.`

// Extractor runs the one-shot skeleton extraction pass.
type Extractor struct {
	client llm.Client
}

// New creates an extractor backed by the given LLM client.
func New(client llm.Client) *Extractor {
	return &Extractor{client: client}
}

// Extract derives the skeleton for a job. Transient LLM failures and
// malformed responses are retried up to three times with exponential
// backoff before the extraction is declared failed.
func (e *Extractor) Extract(ctx context.Context, sourceText string, length textutil.LengthConfig, plan directive.Plan) (*types.Skeleton, error) {
	log := logging.Get(logging.CategorySkeleton)
	prompt := buildPrompt(sourceText, length, plan)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := baseBackoff << (attempt - 2)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			log.Info("Skeleton extraction attempt %d/%d after %v backoff", attempt, maxAttempts, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := e.client.Complete(ctx, llm.Request{
			System:    systemPrompt,
			Prompt:    prompt,
			MaxTokens: maxTokensCap,
		})
		if err != nil {
			lastErr = err
			log.Warn("Skeleton extraction attempt %d failed: %v", attempt, err)
			if !llm.IsRetryable(err) {
				break
			}
			continue
		}

		sk, err := parseSkeleton(completion.Text)
		if err != nil {
			// Malformed output is retried like a transient failure.
			lastErr = err
			log.Warn("Skeleton extraction attempt %d returned malformed outline: %v", attempt, err)
			continue
		}

		normalize(sk, length.TargetMid)
		log.Info("Skeleton extracted: %d sections", len(sk.Sections))
		return sk, nil
	}
	return nil, fmt.Errorf("skeleton extraction failed after %d attempts: %w", maxAttempts, lastErr)
}

func buildPrompt(sourceText string, length textutil.LengthConfig, plan directive.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target length: %d words (%s mode, %d chunks planned).\n",
		length.TargetMid, length.Mode, length.NumChunks)

	if len(plan.Structure) > 0 {
		sb.WriteString("The user mandated this section structure. Use these sections in this order:\n")
		for i, sec := range plan.Structure {
			if sec.WordCount > 0 {
				fmt.Fprintf(&sb, "  %d. %s (%d words)\n", i, sec.Name, sec.WordCount)
			} else {
				fmt.Fprintf(&sb, "  %d. %s\n", i, sec.Name)
			}
		}
	}
	if plan.Citations != nil {
		fmt.Fprintf(&sb, "Citations required: %s style.\n", plan.Citations.Type)
	}

	sb.WriteString("\n=== SOURCE DOCUMENT ===\n")
	sb.WriteString(sourceText)
	return sb.String()
}

// parseSkeleton pulls the JSON object out of the completion text. Models
// sometimes wrap the object in prose or a code fence.
func parseSkeleton(text string) (*types.Skeleton, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var sk types.Skeleton
	if err := json.Unmarshal([]byte(text[start:end+1]), &sk); err != nil {
		return nil, fmt.Errorf("unmarshal skeleton: %w", err)
	}
	if !sk.Valid() {
		return nil, fmt.Errorf("skeleton has no usable sections")
	}
	return &sk, nil
}

// normalize reassigns contiguous section ids and fixes word budgets. Budgeted
// sections are scaled so the total matches the target; unbudgeted sections
// split the remainder evenly with a floor.
func normalize(sk *types.Skeleton, targetWords int) {
	oldToNew := make(map[int]int, len(sk.Sections))
	for i := range sk.Sections {
		oldToNew[sk.Sections[i].ID] = i
		sk.Sections[i].ID = i
	}
	for i := range sk.Sections {
		related := sk.Sections[i].Related[:0]
		for _, old := range sk.Sections[i].Related {
			if idx, ok := oldToNew[old]; ok && idx != i {
				related = append(related, idx)
			}
		}
		sk.Sections[i].Related = related
	}

	if targetWords <= 0 {
		return
	}

	budgeted := 0
	var zeroCount int
	for _, sec := range sk.Sections {
		if sec.TargetWords > 0 {
			budgeted += sec.TargetWords
		} else {
			zeroCount++
		}
	}

	if zeroCount > 0 {
		remainder := targetWords - budgeted
		per := minSectionBudget
		if remainder/zeroCount > per {
			per = remainder / zeroCount
		}
		for i := range sk.Sections {
			if sk.Sections[i].TargetWords == 0 {
				sk.Sections[i].TargetWords = per
			}
		}
		return
	}

	// Everything budgeted: scale proportionally to hit the target.
	if budgeted > 0 && budgeted != targetWords {
		scale := float64(targetWords) / float64(budgeted)
		for i := range sk.Sections {
			scaled := int(float64(sk.Sections[i].TargetWords) * scale)
			if scaled < minSectionBudget {
				scaled = minSectionBudget
			}
			sk.Sections[i].TargetWords = scaled
		}
	}
}
