package provider

import "context"

type ChatPayload struct {
	System      string
	User        string
	ExpectJSON  bool
	MaxTokens   int
	Temperature float64
}

// ChatClient is the narrow surface the decision engine needs from an LLM backend.
type ChatClient interface {
	ID() string
	Call(ctx context.Context, payload ChatPayload) (string, error)
}
