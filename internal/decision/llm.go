package decision

import (
	"context"
	"fmt"

	"tradeloop/internal/gateway/provider"

	"github.com/google/uuid"
)

type LLMOptions struct {
	Temperature float64
	MaxTokens   int
}

// LLM asks a chat model for decisions and reflections.
type LLM struct {
	client provider.ChatClient
	opts   LLMOptions
}

func NewLLM(client provider.ChatClient, opts LLMOptions) *LLM {
	return &LLM{client: client, opts: opts}
}

func (e *LLM) Decide(ctx context.Context, req Request) (Decision, error) {
	system, user := renderDecision(req)
	trace := Trace{ID: uuid.NewString(), Model: e.client.ID(), Prompt: system + "\n\n" + user}
	raw, err := e.client.Call(ctx, provider.ChatPayload{
		System:      system,
		User:        user,
		ExpectJSON:  true,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	trace.RawOutput = raw
	if err != nil {
		return Decision{Trace: trace}, fmt.Errorf("%w: %s call: %w", ErrDecisionEngine, trace.Model, err)
	}
	d, err := ParseDecision(raw)
	d.Trace = trace
	if err != nil {
		return d, fmt.Errorf("%w: parse decision: %w", ErrDecisionEngine, err)
	}
	return d, nil
}

func (e *LLM) Reflect(ctx context.Context, req ReflectRequest) (Reflection, error) {
	system, user := renderReflection(req)
	trace := Trace{ID: uuid.NewString(), Model: e.client.ID(), Prompt: system + "\n\n" + user}
	raw, err := e.client.Call(ctx, provider.ChatPayload{
		System:      system,
		User:        user,
		ExpectJSON:  true,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	trace.RawOutput = raw
	if err != nil {
		return Reflection{Trace: trace}, fmt.Errorf("%w: %s call: %w", ErrDecisionEngine, trace.Model, err)
	}
	r, err := ParseReflection(raw)
	r.Trace = trace
	if err != nil {
		return r, fmt.Errorf("%w: parse reflection: %w", ErrDecisionEngine, err)
	}
	return r, nil
}
