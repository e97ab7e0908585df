// Package model defines the port interface for the language-model invocation capability.
package model

import "context"

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Completion is the result of a single model invocation, including
// usage accounting.
type Completion struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// Invoker is the port interface for completing a prompt against a
// language model. The core depends only on this contract, never on a
// specific provider.
type Invoker interface {
	// Complete sends the system prompt and conversation to the model
	// and returns the completion. Implementations must honor ctx
	// cancellation and deadlines.
	Complete(ctx context.Context, systemPrompt string, messages []Message) (*Completion, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, systemPrompt string, messages []Message) (*Completion, error)

// Complete implements Invoker.
func (f InvokerFunc) Complete(ctx context.Context, systemPrompt string, messages []Message) (*Completion, error) {
	return f(ctx, systemPrompt, messages)
}
