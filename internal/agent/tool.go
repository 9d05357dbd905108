// Package agent drives a tool-calling language model: it sends the conversation,
// dispatches the function calls the model proposes and feeds the results back
// until the model stops calling tools or the step ceiling is reached.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Schema types understood by every model backend.
const (
	TypeObject  = "object"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
)

// Schema is a backend-neutral subset of JSON Schema describing tool parameters.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Object is shorthand for an object schema.
func Object(required []string, props map[string]*Schema) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// ExecuteFunc receives the raw JSON arguments the model produced.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one capability offered to the model.
type Tool struct {
	Name        string
	Description string
	Schema      *Schema
	Execute     ExecuteFunc
}

// NewTool builds a Tool whose arguments are decoded into In before fn runs.
func NewTool[In, Out any](name, description string, schema *Schema, fn func(context.Context, In) (Out, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if len(args) > 0 && string(args) != "null" {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// Wrap returns a copy of t whose Execute runs through mw.
func (t Tool) Wrap(mw func(next ExecuteFunc) ExecuteFunc) Tool {
	t.Execute = mw(t.Execute)
	return t
}
