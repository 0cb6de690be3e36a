package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/infra/config"
	"cadence-ai/internal/infra/tracer"
)

// Provider implements domain.ModelProvider for any OpenAI-compatible API.
type Provider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewProvider creates a provider with configured timeouts.
func NewProvider(cfg config.LLMConfig, logger *slog.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &Provider{
		name:        name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		client:      newHTTPClient(cfg.RequestTimeout),
		logger:      logger,
	}
}

// Name implements domain.ModelProvider.
func (p *Provider) Name() string { return p.name }

// Generate implements domain.ModelProvider. Used for auxiliary calls
// (summarization, next-speaker classification) that need a whole turn.
func (p *Provider) Generate(ctx context.Context, req domain.GenerateRequest) (domain.TurnRecord, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toWireRequest(req, false))
	if err != nil {
		tracer.RecordError(span, err)
		return domain.TurnRecord{}, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return domain.TurnRecord{}, err
	}

	var wireResp wireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		tracer.RecordError(span, err)
		return domain.TurnRecord{}, fmt.Errorf("unmarshal response: %w", err)
	}

	turn, usage := fromWireResponse(wireResp)
	setUsageAttrs(span, usage)
	tracer.SetOK(span)
	p.logger.Debug("llm generate completed",
		"provider", p.name,
		"model", wireResp.Model,
		"tokens", usage.TotalTokens,
	)
	return turn, nil
}

// StreamGenerate implements domain.ModelProvider. Events preserve provider
// emission order; tool-call fragments are assembled and emitted once each
// call is complete.
func (p *Provider) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamEvent, error) {
	body, err := json.Marshal(p.toWireRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return nil, err
	}

	deltas := parseSSEStream(ctx, httpResp.Body, parseWireChunk)

	out := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(out)
		assembler := newToolCallAssembler()
		var usage *domain.Usage

		for delta := range deltas {
			if delta.Err != nil {
				// The stream broke before a clean termination. Partial
				// text already emitted stands; the exchange itself is
				// reported as failed, never as done.
				out <- domain.StreamEvent{
					Type: domain.StreamEventError,
					Err:  domain.NewDomainError("Provider.StreamGenerate", domain.ErrProviderError, delta.Err.Error()),
				}
				return
			}
			if delta.Content != "" {
				out <- domain.StreamEvent{Type: domain.StreamEventText, TextDelta: delta.Content}
			}
			for _, frag := range delta.ToolCalls {
				assembler.add(frag)
			}
			if delta.Usage != nil {
				usage = delta.Usage
			}
			if delta.Done {
				break
			}
		}

		for _, call := range assembler.finish() {
			call := call
			out <- domain.StreamEvent{Type: domain.StreamEventToolCall, ToolCall: &call}
		}
		out <- domain.StreamEvent{Type: domain.StreamEventDone, Usage: usage}
	}()
	return out, nil
}

func (p *Provider) headers() map[string]string {
	h := map[string]string{}
	if p.apiKey != "" {
		h["Authorization"] = "Bearer " + p.apiKey
	}
	return h
}

// toolCallAssembler merges streamed tool-call fragments by index.
type toolCallAssembler struct {
	byIndex map[int]*pendingCall
}

type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: make(map[int]*pendingCall)}
}

func (a *toolCallAssembler) add(frag deltaToolCall) {
	pc, ok := a.byIndex[frag.Index]
	if !ok {
		pc = &pendingCall{index: frag.Index}
		a.byIndex[frag.Index] = pc
	}
	if frag.ID != "" {
		pc.id = frag.ID
	}
	if frag.Name != "" {
		pc.name = frag.Name
	}
	pc.args.WriteString(frag.Args)
}

func (a *toolCallAssembler) finish() []domain.ToolCall {
	pending := make([]*pendingCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		pending = append(pending, pc)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	calls := make([]domain.ToolCall, 0, len(pending))
	for _, pc := range pending {
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, domain.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

// --- OpenAI API wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    *int                 `json:"index,omitempty"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function wireToolCallFunction `json:"function"`
}

type wireToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Created int64        `json:"created"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireStreamChunk struct {
	ID      string             `json:"id"`
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage,omitempty"`
}

type wireStreamChoice struct {
	Delta        wireStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type wireStreamDelta struct {
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// toWireRequest flattens the turn history into OpenAI-style messages. Model
// turns become assistant messages (tool calls included); tool-result parts of
// user turns become role "tool" messages; the reinforcement block rides as a
// trailing system message so it never pollutes the persisted history.
func (p *Provider) toWireRequest(req domain.GenerateRequest, stream bool) wireRequest {
	var msgs []wireMessage

	if req.SystemInstruction != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.SystemInstruction})
	}

	turns := make([]domain.TurnRecord, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	if len(req.Content.Parts) > 0 {
		turns = append(turns, req.Content)
	}
	for _, turn := range turns {
		msgs = append(msgs, turnToWireMessages(turn)...)
	}

	if req.AuxiliaryContext != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.AuxiliaryContext})
	}

	out := wireRequest{
		Model:    p.model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}
	if temp > 0 {
		out.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = wireTool{
				Type: "function",
				Function: wireToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}
	return out
}

func turnToWireMessages(turn domain.TurnRecord) []wireMessage {
	if turn.Role == domain.RoleModel {
		msg := wireMessage{Role: "assistant", Content: turn.Text()}
		for _, call := range turn.ToolCalls() {
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireToolCallFunction{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		return []wireMessage{msg}
	}

	// User turn: tool results each map to their own "tool" message.
	var msgs []wireMessage
	for _, res := range turn.ToolResults() {
		msgs = append(msgs, wireMessage{
			Role:       "tool",
			Content:    res.Content,
			ToolCallID: res.ToolCallID,
		})
	}
	if text := turn.Text(); text != "" {
		msgs = append(msgs, wireMessage{Role: "user", Content: text})
	}
	return msgs
}

func fromWireResponse(resp wireResponse) (domain.TurnRecord, domain.Usage) {
	usage := domain.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	turn := domain.TurnRecord{Role: domain.RoleModel, Timestamp: time.Unix(resp.Created, 0)}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			turn.Parts = append(turn.Parts, domain.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			call := domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
			turn.Parts = append(turn.Parts, domain.Part{ToolCall: &call})
		}
	}
	if len(turn.Parts) == 0 {
		turn.Parts = []domain.Part{{Text: ""}}
	}
	return turn, usage
}

func parseWireChunk(data []byte) (*streamDelta, error) {
	var chunk wireStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	delta := &streamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for i, tc := range c.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, deltaToolCall{
				Index: idx,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Args:  tc.Function.Arguments,
			})
		}
		if c.FinishReason != nil && *c.FinishReason != "" {
			delta.Done = true
		}
	}
	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return delta, nil
}

// Compile-time interface check.
var _ domain.ModelProvider = (*Provider)(nil)
