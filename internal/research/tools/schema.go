package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter schemas for the built-in tools. Numbers may arrive as strings
// from the model, so counts accept both.
const (
	searchWebSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "num_results": {"type": ["integer", "number", "string"]}
  }
}`
	pageSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "selectors": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`
	compareSourcesSchema = `{
  "type": "object",
  "required": ["urls"],
  "properties": {
    "urls": {"type": "array", "items": {"type": "string"}},
    "focus": {"type": "string"}
  }
}`
	factCheckSchema = `{
  "type": "object",
  "required": ["claim"],
  "properties": {
    "claim": {"type": "string", "minLength": 1}
  }
}`
	focusSchema = `{
  "type": "object",
  "properties": {
    "focus": {"type": "string"}
  }
}`
)

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	res := name + ".json"
	if err := compiler.AddResource(res, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(res)
}

// validateParams checks p against the tool schema. Params are round-tripped
// through JSON so Go slices and ints validate like decoded model output.
func validateParams(s *jsonschema.Schema, p Params) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
