package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reweave/internal/llm"
	"reweave/internal/textutil"
	"reweave/internal/types"
)

func testInput(target int) Input {
	min, max := types.LengthBand(target)
	return Input{
		ChunkText:   "original chunk text to rework",
		Index:       2,
		TotalChunks: 5,
		TargetWords: target,
		MinWords:    min,
		MaxWords:    max,
	}
}

func withDelta(body string, delta string) string {
	return body + "\n" + DeltaMarker + "\n" + delta
}

func newReconstructor(client llm.Client) *Reconstructor {
	r := New(client)
	r.Pause = 0
	return r
}

func TestReconstructOnTargetFirstPass(t *testing.T) {
	body := llm.GenerateWords(1000, "w")
	delta := `{"new_claims_introduced": ["systems decay"], "terms_used": [{"term": "entropy", "sense": "thermodynamic"}]}`
	client := llm.NewStubClient(llm.StubResponse{Text: withDelta(body, delta)})

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, types.OutcomeOnTarget, res.Outcome)
	assert.False(t, res.Flagged)
	assert.Equal(t, 1000, res.ActualWords)
	require.NotNil(t, res.Delta)
	assert.Equal(t, []string{"systems decay"}, res.Delta.NewClaimsIntroduced)
	assert.NotContains(t, res.OutputText, DeltaMarker)
}

func TestReconstructContinuesWhenShort(t *testing.T) {
	client := llm.NewStubClient(
		llm.StubResponse{Text: withDelta(llm.GenerateWords(400, "a"), `{"new_claims_introduced": ["c1"]}`)},
		llm.StubResponse{Text: llm.GenerateWords(600, "b")},
	)

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, types.OutcomePassedAfterRetry, res.Outcome)
	assert.GreaterOrEqual(t, res.ActualWords, 950)
	// Continuation text is appended with a paragraph break.
	assert.Contains(t, res.OutputText, "a399.\n\nb0")
}

func TestReconstructForcedContinuationOnTruncation(t *testing.T) {
	// First response meets the budget but stops at the token cap, so a
	// continuation is forced to repair the truncated tail.
	client := llm.NewStubClient(
		llm.StubResponse{Text: llm.GenerateWords(1000, "a"), StopReason: llm.StopMaxTokens},
		llm.StubResponse{Text: llm.GenerateWords(50, "b")},
	)

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, types.OutcomePassedAfterRetry, res.Outcome)
	assert.Equal(t, 2, client.CallCount())
}

func TestReconstructFlaggedAtContinuationCap(t *testing.T) {
	// Every response contributes 10 words; the cap trips long before min.
	// The first pass does not count against the 20 continuations.
	client := &llm.StubClient{Default: func(req llm.Request, call int) *llm.Completion {
		return &llm.Completion{Text: llm.GenerateWords(10, fmt.Sprintf("x%d_", call))}
	}}

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	assert.Equal(t, 21, res.Attempts)
	assert.Equal(t, 21, client.CallCount())
	assert.True(t, res.Flagged)
	assert.Equal(t, types.OutcomeFlagged, res.Outcome)
	assert.Equal(t, 210, res.ActualWords)
}

func TestReconstructPartialSuccessAboveMin(t *testing.T) {
	// 900 words is below the 950 continuation threshold but above the 850
	// minimum, so after the cap the chunk passes without a flag.
	client := &llm.StubClient{Default: func(req llm.Request, call int) *llm.Completion {
		if call == 0 {
			return &llm.Completion{Text: llm.GenerateWords(900, "a")}
		}
		return &llm.Completion{Text: ""}
	}}

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	assert.Equal(t, 21, res.Attempts)
	assert.False(t, res.Flagged)
	assert.Equal(t, types.OutcomePassedAfterRetry, res.Outcome)
}

func TestReconstructSynthesizesDeltaWhenAbsent(t *testing.T) {
	body := "The closed system tends toward disorder over time.\n\nLocal order persists at the cost of exported entropy."
	pad := llm.GenerateWords(1000, "p")
	client := llm.NewStubClient(llm.StubResponse{Text: body + "\n\n" + pad})

	res, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)
	require.NotNil(t, res.Delta)
	assert.Contains(t, res.Delta.NewClaimsIntroduced, "The closed system tends toward disorder over time.")
}

func TestReconstructPropagatesTransportError(t *testing.T) {
	client := llm.NewStubClient(llm.StubResponse{Err: &llm.TransportError{Err: errors.New("timeout")}})
	_, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))
}

func TestContinuationPromptCarriesTail(t *testing.T) {
	first := strings.Join([]string{
		llm.GenerateWords(100, "p1_"),
		llm.GenerateWords(100, "p2_"),
		llm.GenerateWords(100, "p3_"),
		llm.GenerateWords(100, "p4_"),
	}, "\n\n")
	client := llm.NewStubClient(
		llm.StubResponse{Text: first},
		llm.StubResponse{Text: llm.GenerateWords(600, "c")},
	)

	_, err := newReconstructor(client).Reconstruct(context.Background(), testInput(1000))
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 2)
	cont := calls[1].Prompt
	// Last three paragraphs verbatim, earlier ones omitted.
	assert.Contains(t, cont, "p4_0")
	assert.NotContains(t, cont, "p1_0 ")
}

func TestSplitDeltaMalformedJSON(t *testing.T) {
	body, delta := splitDelta("prose text\n" + DeltaMarker + "\n{not json")
	assert.Equal(t, "prose text", body)
	assert.Nil(t, delta)
}

func TestWordAccounting(t *testing.T) {
	// GenerateWords inserts sentence breaks without changing the count.
	assert.Equal(t, 500, textutil.CountWords(llm.GenerateWords(500, "w")))
}
