package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AgentEventType identifies an event relayed to the orchestrator's caller.
type AgentEventType string

const (
	// Relayed stream events.
	EventTextDelta       AgentEventType = "text.delta"
	EventToolCallRequest AgentEventType = "tool.call.request"
	EventToolCallResult  AgentEventType = "tool.call.result"

	// Lifecycle events.
	EventChatCompressed AgentEventType = "chat.compressed"

	// Terminal events. Exactly one of these ends every request.
	EventFinished           AgentEventType = "finished"
	EventCancelled          AgentEventType = "cancelled"
	EventError              AgentEventType = "error"
	EventMaxTurnsExceeded   AgentEventType = "session.max_turns_exceeded"
	EventTokenLimitExceeded AgentEventType = "session.token_limit_exceeded"
)

// CompressionInfo accompanies EventChatCompressed.
type CompressionInfo struct {
	TokensBefore int `json:"tokens_before"`
	TokensAfter  int `json:"tokens_after"`
}

// TokenLimitInfo accompanies EventTokenLimitExceeded.
type TokenLimitInfo struct {
	Estimated int `json:"estimated"`
	Limit     int `json:"limit"`
}

// AgentEvent is one event yielded to the orchestrator's caller. Events
// preserve provider emission order; a terminal event is always last.
type AgentEvent struct {
	Type        AgentEventType   `json:"type"`
	TextDelta   string           `json:"text_delta,omitempty"`
	ToolCall    *ToolCall        `json:"tool_call,omitempty"`
	ToolResult  *ToolResult      `json:"tool_result,omitempty"`
	Compression *CompressionInfo `json:"compression,omitempty"`
	TokenLimit  *TokenLimitInfo  `json:"token_limit,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends the request.
func (e AgentEvent) IsTerminal() bool {
	switch e.Type {
	case EventFinished, EventCancelled, EventError, EventMaxTurnsExceeded, EventTokenLimitExceeded:
		return true
	}
	return false
}

// BusEventType identifies the kind of event published on the session bus.
type BusEventType string

const (
	BusSessionCreated     BusEventType = "session.created"
	BusSessionReset       BusEventType = "session.reset"
	BusModelCallStarted   BusEventType = "model.call.started"
	BusModelCallCompleted BusEventType = "model.call.completed"
	BusToolCallStarted    BusEventType = "tool.call.started"
	BusToolCallCompleted  BusEventType = "tool.call.completed"
	BusHistoryCompressed  BusEventType = "history.compressed"
	BusInjectionApplied   BusEventType = "injection.applied"
	BusRequestFinished    BusEventType = "request.finished"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      BusEventType    `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for session events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType BusEventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
