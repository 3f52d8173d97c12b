package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubResponse is one scripted reply for the StubClient.
type StubResponse struct {
	Text       string
	StopReason StopReason
	Err        error
}

// StubClient is a deterministic, scriptable Client used by the test
// harness and by replay tooling. Scripted responses are consumed in call
// order; once exhausted, Default is consulted. The zero value returns a
// protocol error for every call.
type StubClient struct {
	mu     sync.Mutex
	script []StubResponse
	calls  []Request

	// Default produces a completion when the script is exhausted.
	Default func(req Request, call int) *Completion
}

// NewStubClient creates a stub with the given scripted responses.
func NewStubClient(script ...StubResponse) *StubClient {
	return &StubClient{script: script}
}

// Model identifies the stub in audit records.
func (s *StubClient) Model() string { return "stub" }

// Complete replays the next scripted response.
func (s *StubClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}

	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, req)
	var resp *StubResponse
	if call < len(s.script) {
		resp = &s.script[call]
	}
	s.mu.Unlock()

	if resp != nil {
		if resp.Err != nil {
			return nil, resp.Err
		}
		stop := resp.StopReason
		if stop == "" {
			stop = StopEndTurn
		}
		return &Completion{Text: resp.Text, StopReason: stop, Model: "stub"}, nil
	}

	if s.Default != nil {
		if c := s.Default(req, call); c != nil {
			if c.StopReason == "" {
				c.StopReason = StopEndTurn
			}
			c.Model = "stub"
			return c, nil
		}
	}
	return nil, &ProtocolError{Reason: "stub script exhausted"}
}

// Calls returns a copy of all requests seen so far.
func (s *StubClient) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of completions requested so far.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*Completion, error)

// Complete invokes the function.
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Completion, error) {
	return f(ctx, req)
}

// Model identifies function-backed clients in audit records.
func (f ClientFunc) Model() string { return "func" }

// GenerateWords produces n deterministic words tagged for traceability.
// Two calls with the same arguments yield identical text.
func GenerateWords(n int, tag string) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n * 8)
	for i := 0; i < n; i++ {
		if i > 0 {
			if i%40 == 0 {
				sb.WriteString(".\n\n")
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintf(&sb, "%s%d", tag, i)
	}
	sb.WriteString(".")
	return sb.String()
}
