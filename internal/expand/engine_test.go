package expand

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reweave/internal/llm"
	"reweave/internal/reconstruct"
	"reweave/internal/stream"
	"reweave/internal/types"
)

// sectionLLM answers generation prompts at the requested size with a delta.
func sectionLLM() llm.Client {
	return llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.System, "continuing") {
			return &llm.Completion{Text: llm.GenerateWords(req.MaxTokens/2, "cont"), StopReason: llm.StopEndTurn}, nil
		}
		body := llm.GenerateWords(req.MaxTokens/2, "sec")
		delta := `{"new_claims_introduced": ["a section claim"], "terms_used": [{"term": "negentropy"}]}`
		return &llm.Completion{
			Text:       body + "\n" + reconstruct.DeltaMarker + "\n" + delta,
			StopReason: llm.StopEndTurn,
		}, nil
	})
}

func fastEngine(client llm.Client, hub *stream.Hub) *Engine {
	e := New(client, hub)
	e.Pause = time.Nanosecond
	return e
}

func TestRunDissertationDirective(t *testing.T) {
	hub := stream.NewHub()
	defer hub.Stop()
	obs := hub.Subscribe(stream.TopicGeneration)

	e := fastEngine(sectionLLM(), hub)
	res, err := e.Run(context.Background(), Request{
		Directive:  "TURN THIS INTO A 20000 WORD DISSERTATION",
		SourceText: "seed material about entropy",
	})
	require.NoError(t, err)

	// The dissertation default plan has eight sections sharing the budget.
	require.Len(t, res.Sections, 8)
	assert.Equal(t, 20000, res.Plan.TargetWordCount)
	for _, sec := range res.Sections {
		assert.Equal(t, 2500, sec.TargetWords)
		assert.False(t, sec.Flagged)
	}
	assert.GreaterOrEqual(t, res.FinalWords, 12000)
	assert.Equal(t, "Introduction", res.Sections[0].Title)
	assert.Equal(t, "Conclusion", res.Sections[7].Title)

	// Generation channel: outline, one section_complete per section, then
	// complete, in emission order.
	var seen []string
	deadline := time.After(5 * time.Second)
	for len(seen) < 10 {
		select {
		case data := <-obs.C():
			var env struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &env))
			seen = append(seen, env.Type)
		case <-deadline:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	assert.Equal(t, stream.TypeOutline, seen[0])
	assert.Equal(t, stream.TypeComplete, seen[9])
	for _, typ := range seen[1:9] {
		assert.Equal(t, stream.TypeSectionComplete, typ)
	}
}

func TestRunExplicitSectionBudgets(t *testing.T) {
	e := fastEngine(sectionLLM(), nil)
	res, err := e.Run(context.Background(), Request{
		Directive: "Write a 3000 word report\nIntroduction (1000 words)\nAnalysis\nConclusion",
	})
	require.NoError(t, err)
	require.Len(t, res.Sections, 3)
	assert.Equal(t, 1000, res.Sections[0].TargetWords)
	// Remaining 2000 words split across the two unsized sections.
	assert.Equal(t, 1000, res.Sections[1].TargetWords)
	assert.Equal(t, 1000, res.Sections[2].TargetWords)
}

func TestRunNoDirectiveFallsBack(t *testing.T) {
	e := fastEngine(sectionLLM(), nil)
	res, err := e.Run(context.Background(), Request{Directive: "make it nice"})
	require.NoError(t, err)
	require.Len(t, res.Sections, 1)
	assert.Equal(t, "Document", res.Sections[0].Title)
	assert.Equal(t, defaultTargetWords, res.Sections[0].TargetWords)
}

func TestRunSectionFloor(t *testing.T) {
	e := fastEngine(sectionLLM(), nil)
	// A 400-word budget over two sections would give 200 each; the
	// per-section floor wins.
	res, err := e.Run(context.Background(), Request{
		Directive: "Write a 400 word overview\nIntroduction\nConclusion",
	})
	require.NoError(t, err)
	require.Len(t, res.Sections, 2)
	for _, sec := range res.Sections {
		assert.Equal(t, minSectionWords, sec.TargetWords)
	}
}

func TestRunCoherenceCarriesForward(t *testing.T) {
	var prompts []string
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		prompts = append(prompts, req.Prompt)
		body := llm.GenerateWords(req.MaxTokens/2, "sec")
		delta := `{"new_claims_introduced": ["claim one"], "terms_used": [{"term": "drift"}]}`
		return &llm.Completion{Text: body + "\n" + reconstruct.DeltaMarker + "\n" + delta, StopReason: llm.StopEndTurn}, nil
	})

	e := fastEngine(client, nil)
	_, err := e.Run(context.Background(), Request{
		Directive: "Write a 2000 word report\nIntroduction (1000 words)\nConclusion (1000 words)",
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(prompts), 2)

	assert.NotContains(t, prompts[0], "PRIOR CHUNKS COHERENCE CONTEXT")
	assert.Contains(t, prompts[1], "PRIOR CHUNKS COHERENCE CONTEXT")
	assert.Contains(t, prompts[1], "claim one")
	assert.Contains(t, prompts[1], "drift")
}

func TestRunPropagatesGenerationError(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
		return nil, &llm.TransportError{Err: errors.New("down")}
	})
	e := fastEngine(client, nil)
	_, err := e.Run(context.Background(), Request{Directive: "Write a 1000 word note"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "section 0")
}

func TestAccumulateCaps(t *testing.T) {
	ctx := types.CoherenceContext{}
	for i := 0; i < 30; i++ {
		accumulate(&ctx, &types.ChunkDelta{
			NewClaimsIntroduced: []string{strings.Repeat("c", i+1)},
			TermsUsed:           []types.TermUse{{Term: strings.Repeat("t", i+1)}},
		})
	}
	assert.Equal(t, 30, ctx.ChunkCount)
	assert.Len(t, ctx.Claims, types.ContextMaxClaims)
	assert.Len(t, ctx.Terms, types.ContextMaxTerms)
}
