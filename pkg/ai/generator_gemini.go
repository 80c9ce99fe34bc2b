package ai

import (
	"context"

	"minutesai/pkg/domain"
)

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client   *GeminiClient
	model    string
	jsonMode bool
}

// NewGeminiGenerator builds a Gemini-based TextGenerator.
func NewGeminiGenerator(client *GeminiClient, model string, jsonMode bool) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model, jsonMode: jsonMode}
}

// Model returns the configured model name.
func (g *GeminiGenerator) Model() string {
	return g.model
}

// GenerateText implements TextGenerator using Gemini.
func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	mimeType := ""
	if g.jsonMode {
		mimeType = "application/json"
	}
	return g.client.GenerateText(ctx, g.model, systemPrompt, userPrompt, mimeType)
}

// GeminiTranscriber implements Transcriber with inline audio input.
type GeminiTranscriber struct {
	client *GeminiClient
	model  string
}

func NewGeminiTranscriber(client *GeminiClient, model string) *GeminiTranscriber {
	return &GeminiTranscriber{client: client, model: model}
}

func (t *GeminiTranscriber) Transcribe(ctx context.Context, audio domain.Audio) (string, error) {
	return t.client.TranscribeAudio(ctx, t.model, audio)
}
