package ai

import (
	"context"
	"fmt"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api error (HTTP %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s api error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}
