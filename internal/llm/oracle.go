package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var llmTracer = otel.Tracer("github.com/mohammad-safakhou/researcher/internal/llm")

// ErrNoStructuredOutput is returned when a structured call yields text that does not decode into the requested shape.
var ErrNoStructuredOutput = errors.New("llm returned no structured output")

// Oracle produces text, or a value of a requested shape, from a prompt.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStructured(ctx context.Context, prompt string, schema string, out interface{}) error
}

// Backend is a provider-specific completion call.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one completion call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Client binds a backend to one routed model and implements Oracle.
type Client struct {
	backend     Backend
	stage       string
	model       string
	temperature float64
	maxTokens   int
	debug       bool
	metrics     *telemetry.Metrics
	logger      *log.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDebug logs prompts and raw responses.
func WithDebug(debug bool) ClientOption {
	return func(c *Client) { c.debug = debug }
}

// WithSampling sets temperature and token limit for the model.
func WithSampling(temperature float64, maxTokens int) ClientOption {
	return func(c *Client) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

func NewClient(backend Backend, stage, model string, opts ...ClientOption) *Client {
	c := &Client{
		backend: backend,
		stage:   stage,
		model:   model,
		logger:  log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, prompt, false)
}

// GenerateStructured asks for JSON and decodes the first JSON object in the reply into out.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema string, out interface{}) error {
	full := prompt
	if schema != "" {
		full = fmt.Sprintf("%s\n\nRespond ONLY with valid JSON matching this schema:\n%s\nDo not include any other text.", prompt, schema)
	}
	text, err := c.complete(ctx, full, true)
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

func (c *Client) complete(ctx context.Context, prompt string, structured bool) (string, error) {
	ctx, span := llmTracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", c.backend.Name()),
		attribute.String("llm.stage", c.stage),
		attribute.String("llm.model", c.model),
		attribute.Bool("llm.structured", structured),
	)
	if c.debug {
		c.logger.Printf("%s/%s prompt: %s", c.backend.Name(), c.model, prompt)
	}
	start := time.Now()
	text, err := c.backend.Complete(ctx, Request{
		Model:       c.model,
		Prompt:      prompt,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		JSON:        structured,
	})
	c.metrics.ObserveOracle(c.backend.Name(), c.stage, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s completion: %w", c.backend.Name(), err)
	}
	if c.debug {
		c.logger.Printf("%s/%s response: %s", c.backend.Name(), c.model, text)
	}
	return text, nil
}

// DecodeJSON extracts the first JSON object from text and decodes it into out.
func DecodeJSON(text string, out interface{}) error {
	raw := strings.TrimSpace(stripFences(text))
	if raw == "" {
		return ErrNoStructuredOutput
	}
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	obj := extractFirstJSON(raw)
	if obj == "" {
		return ErrNoStructuredOutput
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// extractFirstJSON returns the first balanced {...} block, ignoring braces inside strings.
func extractFirstJSON(s string) string {
	start, depth := -1, 0
	inString, escaped := false, false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
