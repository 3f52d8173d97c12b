// Package expand is the universal expansion engine: it turns a free-text
// directive into a concrete section plan and generates the sections one at
// a time with the same length enforcement the chunk pipeline uses.
// Progress streams on the generation channel at section granularity.
package expand

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reweave/internal/directive"
	"reweave/internal/llm"
	"reweave/internal/logging"
	"reweave/internal/reconstruct"
	"reweave/internal/stream"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

// Budget floor for sections the directive leaves unsized.
const minSectionWords = 300

// defaultTargetWords applies when the directive names no size at all.
const defaultTargetWords = 5000

// Request is one expansion run.
type Request struct {
	// Directive is the free-text instruction (size, structure, style).
	Directive string
	// SourceText is optional seed material the sections elaborate on.
	SourceText string
	Params     types.UserParams
}

// SectionResult is one generated section.
type SectionResult struct {
	Index       int
	Title       string
	Text        string
	ActualWords int
	TargetWords int
	Flagged     bool
}

// Result is the outcome of an expansion run.
type Result struct {
	ID          string
	Plan        directive.Plan
	Sections    []SectionResult
	FinalOutput string
	FinalWords  int
}

// Engine drives directive-planned section generation.
type Engine struct {
	client llm.Client
	hub    *stream.Hub

	// Pause between sections; zero disables pacing.
	Pause time.Duration
}

// New creates an engine. The hub may be nil for headless runs.
func New(client llm.Client, hub *stream.Hub) *Engine {
	return &Engine{client: client, hub: hub, Pause: 500 * time.Millisecond}
}

// Run parses the directive, plans section budgets, and generates every
// section in order. Prior sections feed the coherence context of later
// ones, exactly as chunks do in the reconstruction pipeline.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	log := logging.Get(logging.CategoryExpand)

	plan := directive.Parse(req.Directive)
	sections := planSections(plan)
	result := &Result{ID: uuid.NewString(), Plan: plan}
	log.Info("Expansion %s: %d sections, target %d words", result.ID, len(sections), totalBudget(sections))

	skeleton := planSkeleton(sections)
	e.publish(stream.OutlineMsg{
		Type:     stream.TypeOutline,
		JobID:    result.ID,
		Sections: len(sections),
		Summary:  skeleton.Summary(),
	})

	recon := reconstruct.New(e.client)
	coherence := types.CoherenceContext{}
	var outputs []string

	for i, sec := range sections {
		if i > 0 && e.Pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.Pause):
			}
		}

		min, max := types.LengthBand(sec.WordCount)
		res, err := recon.Reconstruct(ctx, reconstruct.Input{
			ChunkText:   e.sectionBrief(req, plan, sec),
			Index:       i,
			TotalChunks: len(sections),
			Skeleton:    skeleton,
			TargetWords: sec.WordCount,
			MinWords:    min,
			MaxWords:    max,
			Context:     coherence,
			Params:      req.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("section %d (%s): %w", i, sec.Name, err)
		}

		sr := SectionResult{
			Index:       i,
			Title:       sec.Name,
			Text:        res.OutputText,
			ActualWords: res.ActualWords,
			TargetWords: sec.WordCount,
			Flagged:     res.Flagged,
		}
		result.Sections = append(result.Sections, sr)
		outputs = append(outputs, res.OutputText)
		accumulate(&coherence, res.Delta)

		e.publish(stream.SectionCompleteMsg{
			Type:         stream.TypeSectionComplete,
			JobID:        result.ID,
			SectionIndex: i,
			SectionTitle: sec.Name,
			SectionText:  res.OutputText,
			ActualWords:  res.ActualWords,
			TargetWords:  sec.WordCount,
		})
		log.Debug("Expansion %s section %d/%d: %d/%d words", result.ID, i+1, len(sections), res.ActualWords, sec.WordCount)
	}

	result.FinalOutput = strings.Join(outputs, "\n\n")
	result.FinalWords = textutil.CountWords(result.FinalOutput)
	e.publish(stream.GenerationCompleteMsg{
		Type:           stream.TypeComplete,
		JobID:          result.ID,
		FinalOutput:    result.FinalOutput,
		FinalWordCount: result.FinalWords,
	})
	log.Info("Expansion %s complete: %d words", result.ID, result.FinalWords)
	return result, nil
}

// planSections turns the parsed directive into sized sections. Explicit
// word counts are kept; unsized sections split the remaining budget evenly
// with a floor.
func planSections(plan directive.Plan) []directive.Section {
	sections := plan.Structure
	if len(sections) == 0 {
		sections = []directive.Section{{Name: "Document"}}
	}

	target := plan.TargetWordCount
	if target == 0 {
		target = defaultTargetWords
	}

	sized := 0
	unsized := 0
	for _, s := range sections {
		if s.WordCount > 0 {
			sized += s.WordCount
		} else {
			unsized++
		}
	}

	out := make([]directive.Section, len(sections))
	copy(out, sections)
	if unsized > 0 {
		per := (target - sized) / unsized
		if per < minSectionWords {
			per = minSectionWords
		}
		for i := range out {
			if out[i].WordCount == 0 {
				out[i].WordCount = per
			}
		}
	}
	return out
}

func totalBudget(sections []directive.Section) int {
	total := 0
	for _, s := range sections {
		total += s.WordCount
	}
	return total
}

// planSkeleton renders the section plan as a skeleton so the generator's
// prompts carry the full outline.
func planSkeleton(sections []directive.Section) *types.Skeleton {
	sk := &types.Skeleton{Sections: make([]types.SkeletonSection, len(sections))}
	for i, s := range sections {
		sk.Sections[i] = types.SkeletonSection{
			ID:          i,
			Title:       s.Name,
			TargetWords: s.WordCount,
		}
	}
	return sk
}

// sectionBrief is the per-section source text handed to the generator.
func (e *Engine) sectionBrief(req Request, plan directive.Plan, sec directive.Section) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the \"%s\" section.\n", sec.Name)
	if plan.AcademicRegister {
		sb.WriteString("Use a formal academic register.\n")
	}
	if plan.NoBulletPoints {
		sb.WriteString("Use flowing prose only; no bullet points.\n")
	}
	if plan.InternalSubsections {
		sb.WriteString("Structure the section with internal subsections.\n")
	}
	if plan.Citations != nil {
		fmt.Fprintf(&sb, "Include %s-style citations", plan.Citations.Type)
		if plan.Citations.Count > 0 {
			fmt.Fprintf(&sb, " (at least %d overall)", plan.Citations.Count)
		}
		if plan.Citations.Timeframe != "" {
			fmt.Fprintf(&sb, " from the %s", plan.Citations.Timeframe)
		}
		sb.WriteString(".\n")
	}
	if len(plan.PhilosophersToReference) > 0 {
		fmt.Fprintf(&sb, "Engage with the work of %s.\n", strings.Join(plan.PhilosophersToReference, ", "))
	}
	if req.SourceText != "" {
		fmt.Fprintf(&sb, "\n=== SOURCE MATERIAL ===\n%s\n", req.SourceText)
	}
	return sb.String()
}

// accumulate folds a section delta into the running coherence context,
// applying the same caps the delta store uses.
func accumulate(ctx *types.CoherenceContext, delta *types.ChunkDelta) {
	ctx.ChunkCount++
	if delta == nil {
		return
	}
	ctx.Claims = append(ctx.Claims, delta.NewClaimsIntroduced...)
	if len(ctx.Claims) > types.ContextMaxClaims {
		ctx.Claims = ctx.Claims[len(ctx.Claims)-types.ContextMaxClaims:]
	}
	for _, tu := range delta.TermsUsed {
		for i, t := range ctx.Terms {
			if t == tu.Term {
				ctx.Terms = append(ctx.Terms[:i], ctx.Terms[i+1:]...)
				break
			}
		}
		ctx.Terms = append(ctx.Terms, tu.Term)
	}
	if len(ctx.Terms) > types.ContextMaxTerms {
		ctx.Terms = ctx.Terms[len(ctx.Terms)-types.ContextMaxTerms:]
	}
	for _, cf := range delta.ConflictsDetected {
		ctx.Conflicts = append(ctx.Conflicts, cf.Description)
	}
	if len(ctx.Conflicts) > types.ContextMaxConflicts {
		ctx.Conflicts = ctx.Conflicts[len(ctx.Conflicts)-types.ContextMaxConflicts:]
	}
}

func (e *Engine) publish(msg any) {
	if e.hub != nil {
		e.hub.Publish(stream.TopicGeneration, msg)
	}
}
