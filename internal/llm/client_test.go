package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"reweave/internal/textutil"
)

func TestStubClientScriptOrder(t *testing.T) {
	stub := NewStubClient(
		StubResponse{Text: "first"},
		StubResponse{Text: "second", StopReason: StopMaxTokens},
	)

	c1, err := stub.Complete(context.Background(), Request{Prompt: "a"})
	if err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if c1.Text != "first" || c1.StopReason != StopEndTurn {
		t.Errorf("call 1 = %+v", c1)
	}

	c2, err := stub.Complete(context.Background(), Request{Prompt: "b"})
	if err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if c2.Text != "second" || c2.StopReason != StopMaxTokens {
		t.Errorf("call 2 = %+v", c2)
	}

	// Script exhausted and no default: protocol error, which is retryable.
	_, err = stub.Complete(context.Background(), Request{Prompt: "c"})
	if err == nil || !IsRetryable(err) {
		t.Errorf("exhausted stub: err = %v, want retryable", err)
	}
	if stub.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", stub.CallCount())
	}
}

func TestStubClientDefault(t *testing.T) {
	stub := &StubClient{
		Default: func(req Request, call int) *Completion {
			return &Completion{Text: GenerateWords(100, "w")}
		},
	}
	c, err := stub.Complete(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := textutil.CountWords(c.Text); got != 100 {
		t.Errorf("generated words = %d, want 100", got)
	}
}

func TestGenerateWordsDeterministic(t *testing.T) {
	a := GenerateWords(500, "chunk3w")
	b := GenerateWords(500, "chunk3w")
	if a != b {
		t.Error("GenerateWords is not deterministic")
	}
	if textutil.CountWords(a) != 500 {
		t.Errorf("word count = %d, want 500", textutil.CountWords(a))
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.MaxTokens != 2000 {
			t.Errorf("max_tokens = %d, want 2000", req.MaxTokens)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello"}, "finish_reason": "length"},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "test-model"})
	c, err := client.Complete(context.Background(), Request{Prompt: "hi", MaxTokens: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "hello" || c.StopReason != StopMaxTokens || c.TokensUsed != 42 {
		t.Errorf("completion = %+v", c)
	}
}

func TestOpenAIClientServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil || !IsRetryable(err) {
		t.Errorf("err = %v, want retryable transport error", err)
	}
}

func TestOpenAIClientEmptyCompletionIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil || !IsRetryable(err) {
		t.Errorf("err = %v, want retryable protocol error", err)
	}
}

func TestGeminiFinishMapping(t *testing.T) {
	cases := map[string]StopReason{
		"STOP":       StopEndTurn,
		"MAX_TOKENS": StopMaxTokens,
		"SAFETY":     StopOther,
		"":           StopOther,
	}
	for in, want := range cases {
		if got := mapGeminiFinish(in); got != want {
			t.Errorf("mapGeminiFinish(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOpenAIFinishMapping(t *testing.T) {
	cases := map[string]StopReason{
		"stop":           StopEndTurn,
		"length":         StopMaxTokens,
		"content_filter": StopOther,
	}
	for in, want := range cases {
		if got := mapOpenAIFinish(in); got != want {
			t.Errorf("mapOpenAIFinish(%q) = %s, want %s", in, got, want)
		}
	}
}
