package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the model's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents the model's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Tool is the interface every concrete tool implements. Tool implementations
// live outside the orchestration core; the engine only dispatches them.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// CapabilitySnapshot is an immutable view of the tool surface available for
// one turn. The orchestrator queries it once per turn rather than probing
// the live registry ad hoc.
type CapabilitySnapshot struct {
	ToolNames []string
	Schemas   []ToolSchema
}

// ToolExecutor abstracts tool lookup, schema listing, and per-turn
// capability snapshots.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
	Capabilities() CapabilitySnapshot
}
