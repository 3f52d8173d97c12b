// Package llm defines the completion-service interface the pipeline depends
// on, plus HTTP providers for OpenAI-compatible and Gemini endpoints. The
// pipeline never touches a provider SDK directly; everything flows through
// Client so tests can substitute a recorded stub.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StopReason explains why the model stopped emitting tokens.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Request is a single text-in completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is a text-out completion result.
type Completion struct {
	Text       string
	StopReason StopReason
	TokensUsed int
	Model      string
}

// Client is the LLM provider handle passed explicitly through the pipeline.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// DefaultTimeout bounds a single completion round-trip. Long-form chunk
// generation on large-context models routinely takes minutes.
const DefaultTimeout = 10 * time.Minute

// TransportError marks network, timeout, and 5xx failures. These are
// retryable per the job controller's policy.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("llm transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks malformed or empty provider responses. The controller
// treats these like transport errors for retry purposes.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("llm protocol: %s", e.Reason) }

// IsRetryable reports whether the error class warrants a retry.
func IsRetryable(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}
