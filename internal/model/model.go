package model

import "context"

// Completion is the common response model for generation backends.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator is the AI backend abstraction used by the router. It turns a
// fully assembled prompt into reply text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
}
