// Package stitch runs the global validation pass after the last chunk: it
// concatenates chunk outputs into the final document and asks the LLM for a
// cross-chunk coherence report (conflicts, term drift, missing premises,
// redundancies, repair plan). The pass is best-effort; a failure annotates
// the result instead of failing the job.
package stitch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/types"
)

const maxTokensCap = 8192

// reportExcerptWords bounds how much of each chunk the validation prompt
// carries. The deltas carry the claims; the excerpt is for drift detection.
const reportExcerptWords = 120

// Stitcher produces the final output and its coherence report.
type Stitcher struct {
	client llm.Client
}

// New creates a stitcher backed by the given LLM client.
func New(client llm.Client) *Stitcher {
	return &Stitcher{client: client}
}

// Stitch concatenates the chunk outputs and validates them as a whole.
// The returned final output is always usable; when the validation call
// fails, the StitchResult carries an annotation and a "mixed" score.
func (s *Stitcher) Stitch(ctx context.Context, skeleton *types.Skeleton, chunks []types.Chunk) (string, *types.StitchResult) {
	log := logging.Get(logging.CategoryStitch)
	finalOutput := Concatenate(chunks)

	completion, err := s.client.Complete(ctx, llm.Request{
		System:    validationSystem,
		Prompt:    s.validationPrompt(skeleton, chunks),
		MaxTokens: maxTokensCap,
	})
	if err != nil {
		log.Warn("Stitch validation call failed, emitting concatenated output: %v", err)
		return finalOutput, annotatedFallback(fmt.Sprintf("validation pass failed: %v", err))
	}

	result, err := parseResult(completion.Text)
	if err != nil {
		log.Warn("Stitch validation response unusable: %v", err)
		return finalOutput, annotatedFallback(fmt.Sprintf("validation response unusable: %v", err))
	}

	log.Info("Stitch pass: score=%s conflicts=%d drift=%d repairs=%d",
		result.CoherenceScore, len(result.Conflicts), len(result.TermDrift), len(result.RepairPlan))
	return finalOutput, result
}

// Concatenate joins chunk outputs with paragraph separators, dropping
// boilerplate transitions a chunk repeats from the end of the previous one.
func Concatenate(chunks []types.Chunk) string {
	var parts []string
	var lastPara string
	for _, c := range chunks {
		text := strings.TrimSpace(c.OutputText)
		if text == "" {
			continue
		}
		if lastPara != "" {
			if first, rest := headParagraph(text); first != "" && sameParagraph(first, lastPara) {
				text = rest
				if text == "" {
					continue
				}
			}
		}
		parts = append(parts, text)
		_, lastPara = tailParagraph(text)
	}
	return strings.Join(parts, "\n\n")
}

func headParagraph(text string) (first, rest string) {
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+2:])
	}
	return strings.TrimSpace(text), ""
}

func tailParagraph(text string) (rest, last string) {
	if i := strings.LastIndex(text, "\n\n"); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+2:])
	}
	return "", strings.TrimSpace(text)
}

func sameParagraph(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

const validationSystem = `You are validating a document that was generated chunk by chunk. Using the outline, the per-chunk claim deltas, and the chunk excerpts, report cross-chunk coherence problems.

Respond with ONLY a JSON object:
{
  "conflicts": [{"description": "...", "with_chunk": 0, "severity": "minor|major"}],
  "term_drift": [{"term": "...", "senses": ["...", "..."], "chunks": [0, 3]}],
  "missing_premises": ["premise claimed but never introduced"],
  "redundancies": ["content repeated across chunks"],
  "repair_plan": [{"order": 1, "instruction": "...", "chunks": [0, 1]}],
  "coherence_score": "good|mixed|poor",
  "verdict": "one-sentence overall judgment"
}`

func (s *Stitcher) validationPrompt(skeleton *types.Skeleton, chunks []types.Chunk) string {
	var sb strings.Builder
	if skeleton != nil {
		fmt.Fprintf(&sb, "=== DOCUMENT OUTLINE ===\n%s\n\n", skeleton.Summary())
	}
	for _, c := range chunks {
		fmt.Fprintf(&sb, "=== CHUNK %d (%d words", c.Index, c.ActualWords)
		if c.Flagged {
			sb.WriteString(", flagged short")
		}
		sb.WriteString(") ===\n")
		if c.Delta != nil {
			if len(c.Delta.NewClaimsIntroduced) > 0 {
				fmt.Fprintf(&sb, "Claims: %s\n", strings.Join(c.Delta.NewClaimsIntroduced, "; "))
			}
			if len(c.Delta.TermsUsed) > 0 {
				terms := make([]string, len(c.Delta.TermsUsed))
				for i, tu := range c.Delta.TermsUsed {
					if tu.Sense != "" {
						terms[i] = fmt.Sprintf("%s (%s)", tu.Term, tu.Sense)
					} else {
						terms[i] = tu.Term
					}
				}
				fmt.Fprintf(&sb, "Terms: %s\n", strings.Join(terms, ", "))
			}
		}
		fmt.Fprintf(&sb, "Excerpt: %s\n\n", excerpt(c.OutputText, reportExcerptWords))
	}
	return sb.String()
}

func excerpt(text string, words int) string {
	fields := strings.Fields(text)
	if len(fields) <= words {
		return text
	}
	return strings.Join(fields[:words], " ") + " ..."
}

func parseResult(text string) (*types.StitchResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var result types.StitchResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("unmarshal stitch result: %w", err)
	}
	switch result.CoherenceScore {
	case types.CoherenceGood, types.CoherenceMixed, types.CoherencePoor:
	default:
		result.CoherenceScore = types.CoherenceMixed
	}
	return &result, nil
}

func annotatedFallback(annotation string) *types.StitchResult {
	return &types.StitchResult{
		CoherenceScore: types.CoherenceMixed,
		Verdict:        "validation unavailable",
		Annotation:     annotation,
	}
}
