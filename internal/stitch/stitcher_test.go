package stitch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reweave/internal/llm"
	"reweave/internal/types"
)

func chunk(idx int, text string) types.Chunk {
	return types.Chunk{Index: idx, OutputText: text, ActualWords: 100, Status: types.ChunkComplete}
}

func TestConcatenateJoinsWithSeparators(t *testing.T) {
	out := Concatenate([]types.Chunk{
		chunk(0, "first chunk body."),
		chunk(1, "second chunk body."),
	})
	assert.Equal(t, "first chunk body.\n\nsecond chunk body.", out)
}

func TestConcatenateDropsRepeatedTransition(t *testing.T) {
	out := Concatenate([]types.Chunk{
		chunk(0, "opening paragraph.\n\nAs we have seen, order decays."),
		chunk(1, "as we have seen, order decays.\n\nThe next section develops this."),
	})
	assert.Equal(t, "opening paragraph.\n\nAs we have seen, order decays.\n\nThe next section develops this.", out)
}

func TestConcatenateSkipsEmptyChunks(t *testing.T) {
	out := Concatenate([]types.Chunk{
		chunk(0, "body."),
		chunk(1, "   "),
		chunk(2, "tail."),
	})
	assert.Equal(t, "body.\n\ntail.", out)
}

func TestStitchParsesValidationReport(t *testing.T) {
	report := `{
		"conflicts": [{"description": "chunk 2 redates the experiment", "with_chunk": 0, "severity": "major"}],
		"term_drift": [{"term": "entropy", "senses": ["thermodynamic", "informational"], "chunks": [0, 2]}],
		"missing_premises": ["the closed-system assumption"],
		"redundancies": [],
		"repair_plan": [{"order": 1, "instruction": "align the dates", "chunks": [0, 2]}],
		"coherence_score": "mixed",
		"verdict": "mostly coherent with one factual conflict"
	}`
	s := New(llm.NewStubClient(llm.StubResponse{Text: report}))

	final, result := s.Stitch(context.Background(), nil, []types.Chunk{
		chunk(0, "alpha."), chunk(1, "beta."),
	})
	assert.Equal(t, "alpha.\n\nbeta.", final)
	require.NotNil(t, result)
	assert.Equal(t, types.CoherenceMixed, result.CoherenceScore)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, 0, result.Conflicts[0].WithChunk)
	assert.Equal(t, "entropy", result.TermDrift[0].Term)
	assert.Empty(t, result.Annotation)
}

func TestStitchFailureFallsBackToConcatenation(t *testing.T) {
	s := New(llm.NewStubClient(llm.StubResponse{Err: &llm.TransportError{Err: errors.New("down")}}))

	final, result := s.Stitch(context.Background(), nil, []types.Chunk{chunk(0, "only chunk.")})
	assert.Equal(t, "only chunk.", final)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Annotation)
	assert.Equal(t, types.CoherenceMixed, result.CoherenceScore)
}

func TestStitchMalformedReportAnnotates(t *testing.T) {
	s := New(llm.NewStubClient(llm.StubResponse{Text: "I cannot produce JSON today."}))

	final, result := s.Stitch(context.Background(), nil, []types.Chunk{chunk(0, "body.")})
	assert.Equal(t, "body.", final)
	assert.Contains(t, result.Annotation, "unusable")
}

func TestStitchPromptCarriesDeltas(t *testing.T) {
	client := llm.NewStubClient(llm.StubResponse{Text: `{"coherence_score": "good", "verdict": "fine"}`})
	s := New(client)

	c := chunk(0, "body text here.")
	c.Delta = &types.ChunkDelta{
		NewClaimsIntroduced: []string{"order decays"},
		TermsUsed:           []types.TermUse{{Term: "entropy", Sense: "thermodynamic"}},
	}
	c.Flagged = true
	_, _ = s.Stitch(context.Background(), &types.Skeleton{
		Sections: []types.SkeletonSection{{ID: 0, Title: "Intro", TargetWords: 500}},
	}, []types.Chunk{c})

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Claims: order decays")
	assert.Contains(t, calls[0].Prompt, "entropy (thermodynamic)")
	assert.Contains(t, calls[0].Prompt, "flagged short")
	assert.Contains(t, calls[0].Prompt, "=== DOCUMENT OUTLINE ===")
}

func TestParseResultNormalizesScore(t *testing.T) {
	result, err := parseResult(`{"coherence_score": "excellent", "verdict": "x"}`)
	require.NoError(t, err)
	assert.Equal(t, types.CoherenceMixed, result.CoherenceScore)
}
