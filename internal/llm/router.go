package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/researcher/config"
)

// Research stages routed to possibly different models.
const (
	StageReasoning  = "reasoning"
	StageEvaluation = "evaluation"
	StageSynthesis  = "synthesis"
)

// Router resolves a stage to a configured model and its provider backend.
type Router struct {
	cfg      config.LLMConfig
	backends map[string]Backend
	opts     []ClientOption
}

// NewRouter builds one backend per configured provider.
func NewRouter(ctx context.Context, cfg config.LLMConfig, opts ...ClientOption) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{cfg: cfg, backends: make(map[string]Backend), opts: opts}
	for name, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			r.backends[name] = NewOpenAIBackend(p.APIKey, p.BaseURL, p.Timeout, p.MaxRetries)
		case "gemini":
			b, err := NewGeminiBackend(ctx, p.APIKey)
			if err != nil {
				return nil, fmt.Errorf("llm provider %s: %w", name, err)
			}
			r.backends[name] = b
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}
	return r, nil
}

// For returns the oracle routed for stage.
func (r *Router) For(stage string) (*Client, error) {
	key := r.cfg.Routing.Model(stage)
	// deterministic provider order when several declare the same model key
	names := make([]string, 0, len(r.cfg.Providers))
	for name := range r.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m, ok := r.cfg.Providers[name].Models[key]
		if !ok {
			continue
		}
		apiModel := m.APIName
		if apiModel == "" {
			apiModel = m.Name
		}
		opts := append([]ClientOption{WithSampling(m.Temperature, m.MaxTokens)}, r.opts...)
		return NewClient(r.backends[name], stage, apiModel, opts...), nil
	}
	return nil, fmt.Errorf("model %q for stage %s not configured in any provider", key, stage)
}
