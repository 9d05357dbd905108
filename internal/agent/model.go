package agent

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// FunctionCall is a tool invocation proposed by the model.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FunctionResult answers one FunctionCall.
type FunctionResult struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Message is one conversation turn. A model turn carries text and/or calls; a
// user turn carries either the prompt text or the results of the previous calls.
type Message struct {
	Role    Role             `json:"role"`
	Text    string           `json:"text,omitempty"`
	Calls   []FunctionCall   `json:"calls,omitempty"`
	Results []FunctionResult `json:"results,omitempty"`
}

// Request is everything a backend needs to produce the next model turn.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// Model produces the next model turn for a conversation.
type Model interface {
	Generate(ctx context.Context, req Request) (*Message, error)
}
