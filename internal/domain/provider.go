package domain

import "context"

// StreamEventType identifies one event kind on the provider stream.
type StreamEventType string

const (
	StreamEventText     StreamEventType = "text-delta"
	StreamEventToolCall StreamEventType = "tool-call-request"
	StreamEventError    StreamEventType = "error"
	StreamEventDone     StreamEventType = "done"
)

// StreamEvent is one event emitted by the model boundary during a streaming
// exchange. Exactly one payload field is meaningful for a given Type.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	TextDelta string          `json:"text_delta,omitempty"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Err       error           `json:"-"`
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateRequest is the outgoing request to the model boundary. History
// holds the prior turns; Content is the new turn being sent. Auxiliary
// context (instruction reinforcement) is distinct from user-authored content
// and is never persisted into history.
type GenerateRequest struct {
	SystemInstruction string
	Tools             []ToolSchema
	History           []TurnRecord
	Content           TurnRecord
	AuxiliaryContext  string
	Temperature       float64
	MaxTokens         int
}

// ModelProvider is the opaque model boundary. StreamGenerate yields events
// in provider emission order; the channel is closed when the exchange ends,
// fails, or ctx is cancelled. Generate is the non-streaming variant used by
// auxiliary calls (summarization, next-speaker classification).
type ModelProvider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (TurnRecord, error)
	StreamGenerate(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
}
