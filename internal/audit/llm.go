package audit

import (
	"context"

	"reweave/internal/llm"
	"reweave/internal/types"
)

// auditedClient records one llm_call event per completion.
type auditedClient struct {
	inner llm.Client
	rec   *Recorder
	jobID string
	phase string
}

// WrapClient returns a client that mirrors every completion into the job's
// audit trail. The phase labels which pipeline stage is calling.
func WrapClient(inner llm.Client, rec *Recorder, jobID, phase string) llm.Client {
	if rec == nil {
		return inner
	}
	return &auditedClient{inner: inner, rec: rec, jobID: jobID, phase: phase}
}

func (c *auditedClient) Model() string { return c.inner.Model() }

func (c *auditedClient) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	completion, err := c.inner.Complete(ctx, req)
	payload := LLMCallPayload{Phase: c.phase, Model: c.inner.Model()}
	if completion != nil {
		payload.StopReason = string(completion.StopReason)
	}
	if err != nil {
		c.rec.Record(c.jobID, types.AuditError, ErrorPayload{Stage: c.phase, Message: err.Error()})
	} else {
		c.rec.Record(c.jobID, types.AuditLLMCall, payload)
	}
	return completion, err
}
