package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewOpenAIBackend(apiKey, baseURL string, timeout time.Duration, retries int) *OpenAIBackend {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &OpenAIBackend{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 300 * time.Millisecond,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatReq struct {
	Model          string          `json:"model"`
	Messages       []chatMsg       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *OpenAIBackend) Complete(ctx context.Context, r Request) (string, error) {
	if b.apiKey == "" {
		return "", errors.New("OpenAI API key not configured")
	}
	req := chatReq{
		Model:       r.Model,
		Messages:    []chatMsg{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
	if r.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	var out chatResp
	if err := b.doJSON(ctx, b.baseURL+"/chat/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// doJSON posts body and decodes the reply, retrying transport errors and 5xx/429 with exponential backoff.
func (b *OpenAIBackend) doJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	var lastErr error
	tries := b.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		retry, err := b.post(ctx, url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if attempt < tries-1 {
			select {
			case <-time.After(b.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (b *OpenAIBackend) post(ctx context.Context, url string, body []byte, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, fmt.Errorf("OpenAI status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return false, nil
}
