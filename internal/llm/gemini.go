package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// GeminiBackend calls the Gemini API through the genai SDK.
type GeminiBackend struct {
	client *genai.Client
}

func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("Gemini API key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

func (b *GeminiBackend) Name() string { return "gemini" }

func (b *GeminiBackend) Complete(ctx context.Context, r Request) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if r.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(r.Temperature))
	}
	if r.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(r.MaxTokens)
	}
	if r.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := b.client.Models.GenerateContent(ctx, r.Model, genai.Text(r.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty Gemini response")
	}
	return text, nil
}
