package domain

import "time"

// Conversation roles. The engine is two-party: every turn belongs to the
// user or the model. Tool results travel inside user turns.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Tags mark turns synthesized by the engine rather than authored by a
// participant.
const (
	TagCompressionSummary = "compression_summary"
	TagCompressionAck     = "compression_ack"
	TagContinuation       = "continuation"
)

// Part is one content fragment of a turn. Exactly one field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TurnRecord is one turn of the conversation history.
type TurnRecord struct {
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TextTurn builds a plain text turn for the given role.
func TextTurn(role, text string) TurnRecord {
	return TurnRecord{
		Role:      role,
		Parts:     []Part{{Text: text}},
		Timestamp: time.Now(),
	}
}

// ToolResultTurn builds the user turn answering a batch of tool calls.
func ToolResultTurn(results []ToolResult) TurnRecord {
	parts := make([]Part, 0, len(results))
	for i := range results {
		r := results[i]
		parts = append(parts, Part{ToolResult: &r})
	}
	return TurnRecord{
		Role:      RoleUser,
		Parts:     parts,
		Timestamp: time.Now(),
	}
}

// Text concatenates the text parts of the turn.
func (t TurnRecord) Text() string {
	var out string
	for _, p := range t.Parts {
		out += p.Text
	}
	return out
}

// ToolCalls returns the tool call parts of the turn, in order.
func (t TurnRecord) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool result parts of the turn, in order.
func (t TurnRecord) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range t.Parts {
		if p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the turn contains at least one tool call.
func (t TurnRecord) HasToolCalls() bool {
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			return true
		}
	}
	return false
}

// IsToolResultOnly reports whether every part of the turn is a tool result.
func (t TurnRecord) IsToolResultOnly() bool {
	if len(t.Parts) == 0 {
		return false
	}
	for _, p := range t.Parts {
		if p.ToolResult == nil {
			return false
		}
	}
	return true
}

// AnswersCalls reports whether the turn carries a tool result for every
// call in calls.
func (t TurnRecord) AnswersCalls(calls []ToolCall) bool {
	answered := make(map[string]bool, len(t.Parts))
	for _, p := range t.Parts {
		if p.ToolResult != nil {
			answered[p.ToolResult.ToolCallID] = true
		}
	}
	for _, c := range calls {
		if !answered[c.ID] {
			return false
		}
	}
	return true
}
