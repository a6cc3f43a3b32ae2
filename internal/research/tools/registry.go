package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/researcher/internal/evidence"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidParams is returned when tool parameters are missing or malformed.
	ErrInvalidParams = errors.New("invalid tool parameters")
	// ErrBlockedURL is returned when the crawl policy forbids a page.
	ErrBlockedURL = errors.New("url blocked by crawl policy")
)

// Params are the tool arguments chosen by the reasoning step.
type Params map[string]interface{}

// Session is the per-session context a tool may read.
type Session interface {
	Topic() string
	Findings() map[string]interface{}
	Evidence() *evidence.Index
}

// Result is a tool outcome. Key labels the finding stored in the research state; empty means nothing to store.
type Result struct {
	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value"`
	Text  string      `json:"text"`
}

// Handler executes a tool.
type Handler func(ctx context.Context, s Session, p Params) (Result, error)

// Card is registry metadata shown to the model when it picks a tool.
type Card struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params"`
	SideEffects []string          `json:"side_effects,omitempty"`
	Checksum    string            `json:"checksum"`
}

// Tool couples a card with its handler. Schema, when set, is a JSON schema
// the params must satisfy before the handler runs.
type Tool struct {
	Card    Card
	Schema  string
	Handler Handler
}

// Registry is an immutable name-to-tool table, safe for concurrent lookups.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewRegistry validates tools and computes card checksums.
func NewRegistry(tools ...Tool) (*Registry, error) {
	reg := &Registry{tools: make(map[string]Tool, len(tools)), schemas: map[string]*jsonschema.Schema{}}
	for _, t := range tools {
		if t.Card.Name == "" || t.Handler == nil {
			return nil, fmt.Errorf("tool %q: name and handler required", t.Card.Name)
		}
		if _, dup := reg.tools[t.Card.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Card.Name)
		}
		sum, err := ComputeChecksum(t.Card)
		if err != nil {
			return nil, fmt.Errorf("tool %s checksum: %w", t.Card.Name, err)
		}
		t.Card.Checksum = sum
		if t.Schema != "" {
			compiled, err := compileSchema(t.Card.Name, t.Schema)
			if err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Card.Name, err)
			}
			reg.schemas[t.Card.Name] = compiled
		}
		reg.tools[t.Card.Name] = t
		reg.order = append(reg.order, t.Card.Name)
	}
	return reg, nil
}

// Cards lists tool cards in registration order.
func (r *Registry) Cards() []Card {
	out := make([]Card, 0, len(r.order))
	for _, name := range r.order {
		c := r.tools[name].Card
		params := make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			params[k] = v
		}
		c.Params = params
		out = append(out, c)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Validate checks params against the named tool's schema without running it.
func (r *Registry) Validate(name string, p Params) error {
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if p == nil {
		p = Params{}
	}
	return validateParams(r.schemas[name], p)
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, s Session, p Params) (Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if p == nil {
		p = Params{}
	}
	if err := validateParams(r.schemas[name], p); err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	return t.Handler(ctx, s, p)
}

// ComputeChecksum returns a deterministic hash of the card payload.
func ComputeChecksum(c Card) (string, error) {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := map[string]interface{}{
		"name":         c.Name,
		"description":  c.Description,
		"params":       c.Params,
		"param_keys":   keys,
		"side_effects": c.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// decode maps loosely typed params onto a struct via JSON.
func decode(p Params, out interface{}) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
