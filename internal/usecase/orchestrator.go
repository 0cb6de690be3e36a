package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cadence-ai/internal/domain"
)

// maxTurnBudget is the hard ceiling on model-initiated continuations for a
// single user request, regardless of configuration.
const maxTurnBudget = 100

const continuationText = "Please continue."

const agentSystemPrompt = `You are a capable software engineering agent working in a command-line environment. Use the available tools to inspect the file system before making claims about it. Work step by step, report results concisely, and ask the user when a decision is genuinely theirs to make.`

const chatSystemPrompt = `You are a helpful assistant in a command-line chat. Answer concisely and accurately. Use the available tools when the question is about the local file system.`

// OrchestratorConfig holds the per-request limits and model parameters.
type OrchestratorConfig struct {
	// SystemPrompt overrides the built-in prompts when non-empty.
	SystemPrompt string
	// MaxTurnsPerRequest is the continuation budget, clamped to
	// maxTurnBudget. Zero terminates immediately with an empty result.
	MaxTurnsPerRequest int
	// MaxSessionTurns caps completed turns per session. 0 = unlimited.
	MaxSessionTurns int
	// SessionTokenLimit is the hard token ceiling for system instruction
	// plus history. 0 = unlimited.
	SessionTokenLimit int

	Temperature float64
	MaxTokens   int
}

// Orchestrator drives one request/response cycle: compression pre-check,
// token ceiling, reinforcement injection, the streaming exchange with tool
// dispatch, and the next-speaker continuation decision. One invocation per
// session at a time; overlapping sends are rejected with ErrSessionBusy.
type Orchestrator struct {
	provider    domain.ModelProvider
	tools       domain.ToolExecutor
	compressor  *Compressor
	policy      *InjectionPolicy
	nextSpeaker *NextSpeakerChecker
	counter     TokenCounter
	bus         domain.EventBus
	cfg         OrchestratorConfig
	trackerCfg  TrackerConfig
	logger      *slog.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewOrchestrator wires the engine together. bus may be nil.
func NewOrchestrator(
	provider domain.ModelProvider,
	tools domain.ToolExecutor,
	compressor *Compressor,
	policy *InjectionPolicy,
	nextSpeaker *NextSpeakerChecker,
	counter TokenCounter,
	bus domain.EventBus,
	cfg OrchestratorConfig,
	trackerCfg TrackerConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		provider:    provider,
		tools:       tools,
		compressor:  compressor,
		policy:      policy,
		nextSpeaker: nextSpeaker,
		counter:     counter,
		bus:         bus,
		cfg:         cfg,
		trackerCfg:  trackerCfg,
		logger:      logger,
		trackers:    make(map[string]*Tracker),
	}
}

// trackerFor returns the session's metrics tracker, creating it on first
// use. Metrics live and die with the session, not the request.
func (o *Orchestrator) trackerFor(sess *Session) *Tracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[sess.ID]
	if !ok {
		t = NewTracker(o.trackerCfg)
		o.trackers[sess.ID] = t
	}
	return t
}

// Metrics returns a copy of the session's current metrics.
func (o *Orchestrator) Metrics(sess *Session) SessionMetrics {
	return *o.trackerFor(sess).Metrics()
}

// ResetSession clears the session history and its metrics.
func (o *Orchestrator) ResetSession(ctx context.Context, sess *Session) {
	ctx = domain.ContextWithSessionID(ctx, sess.ID)
	sess.Reset()
	o.trackerFor(sess).Reset()
	o.publish(ctx, domain.BusSessionReset, nil)
}

// ForceCompress runs an explicit compression attempt, bypassing the trigger
// threshold and the sticky failure latch.
func (o *Orchestrator) ForceCompress(ctx context.Context, sess *Session) Outcome {
	ctx = domain.ContextWithSessionID(ctx, sess.ID)
	outcome := o.compressor.MaybeCompress(ctx, sess, true)
	if outcome.Kind == OutcomeCompressed {
		sess.ReplaceHistory(outcome.NewHistory)
		o.trackerFor(sess).Reset()
		o.publish(ctx, domain.BusHistoryCompressed, domain.CompressionInfo{
			TokensBefore: outcome.TokensBefore,
			TokensAfter:  outcome.TokensAfter,
		})
	}
	return outcome
}

// Send runs one top-level user request. The returned channel yields events
// in provider emission order and is closed after a terminal event. A second
// Send on the same session before the channel closes fails with
// ErrSessionBusy.
func (o *Orchestrator) Send(ctx context.Context, sess *Session, input string) (<-chan domain.AgentEvent, error) {
	if strings.TrimSpace(input) == "" {
		return nil, domain.NewDomainError("Orchestrator.Send", domain.ErrInvalidInput, "empty input")
	}
	if !sess.TryActivate() {
		return nil, domain.NewDomainError("Orchestrator.Send", domain.ErrSessionBusy, sess.ID)
	}

	events := make(chan domain.AgentEvent, 64)
	go func() {
		// Deactivate before close so a caller that saw the channel close
		// can immediately send again.
		defer close(events)
		defer sess.Deactivate()
		o.run(domain.ContextWithSessionID(ctx, sess.ID), sess, input, events)
	}()
	return events, nil
}

// run is the explicit continuation loop. Each iteration is one turn: the
// initial user request, then model-initiated continuations while the budget
// lasts. Exactly one terminal event is emitted.
func (o *Orchestrator) run(ctx context.Context, sess *Session, input string, events chan<- domain.AgentEvent) {
	tracker := o.trackerFor(sess)

	budget := o.cfg.MaxTurnsPerRequest
	if budget > maxTurnBudget {
		budget = maxTurnBudget
	}

	content := domain.TextTurn(domain.RoleUser, input)
	continuation := false

	for {
		if o.cfg.MaxSessionTurns > 0 && sess.TurnCount() >= o.cfg.MaxSessionTurns {
			events <- domain.AgentEvent{
				Type:    domain.EventMaxTurnsExceeded,
				Message: "session turn limit reached",
			}
			return
		}
		if budget <= 0 {
			events <- domain.AgentEvent{Type: domain.EventFinished}
			return
		}
		budget--

		if !continuation {
			outcome := o.compressor.MaybeCompress(ctx, sess, false)
			if outcome.Kind == OutcomeCompressed {
				sess.ReplaceHistory(outcome.NewHistory)
				tracker.Reset()
				info := domain.CompressionInfo{
					TokensBefore: outcome.TokensBefore,
					TokensAfter:  outcome.TokensAfter,
				}
				events <- domain.AgentEvent{Type: domain.EventChatCompressed, Compression: &info}
				o.publish(ctx, domain.BusHistoryCompressed, info)
			}
		}

		systemPrompt := o.systemPromptFor(sess)

		if o.cfg.SessionTokenLimit > 0 {
			pending := append(sess.History(), content)
			estimated := EstimateRequestTokens(o.counter, systemPrompt, pending)
			if estimated > o.cfg.SessionTokenLimit {
				events <- domain.AgentEvent{
					Type: domain.EventTokenLimitExceeded,
					TokenLimit: &domain.TokenLimitInfo{
						Estimated: estimated,
						Limit:     o.cfg.SessionTokenLimit,
					},
				}
				return
			}
		}

		metrics := tracker.Update(sess.History())

		aux := ""
		if !continuation {
			if decision := o.policy.ShouldInject(metrics); decision.Inject {
				aux = BuildReinforcement(systemPrompt, decision)
				tracker.RecordInjection(decision.FallbackFired)
				o.logger.Debug("reinforcement injected",
					"session_id", sess.ID,
					"factors", strings.Join(decision.Factors, ","),
				)
				o.publish(ctx, domain.BusInjectionApplied, decision.Factors)
			}
		}

		ok := o.streamTurn(ctx, sess, tracker, systemPrompt, aux, content, events)
		if !ok {
			// Terminal event already emitted.
			return
		}

		sess.IncrementCompletedTurns()

		if o.nextSpeaker.Check(ctx, sess.History()) != domain.RoleModel {
			break
		}
		content = domain.TextTurn(domain.RoleUser, continuationText)
		content.Tag = domain.TagContinuation
		continuation = true
	}

	events <- domain.AgentEvent{Type: domain.EventFinished}
	o.publish(ctx, domain.BusRequestFinished, nil)
}

// streamTurn handles one turn including its tool round trips. Returns false
// when it emitted a terminal event (error or cancellation) itself.
func (o *Orchestrator) streamTurn(
	ctx context.Context,
	sess *Session,
	tracker *Tracker,
	systemPrompt, aux string,
	content domain.TurnRecord,
	events chan<- domain.AgentEvent,
) bool {
	caps := o.tools.Capabilities()

	for {
		sess.AddTurn(content)
		hist := sess.History()

		req := domain.GenerateRequest{
			SystemInstruction: systemPrompt,
			Tools:             caps.Schemas,
			History:           hist[:len(hist)-1],
			Content:           hist[len(hist)-1],
			AuxiliaryContext:  aux,
			Temperature:       o.cfg.Temperature,
			MaxTokens:         o.cfg.MaxTokens,
		}
		// Reinforcement rides only the first exchange of the turn, not the
		// tool-result follow-ups.
		aux = ""

		o.publish(ctx, domain.BusModelCallStarted, nil)
		stream, err := o.provider.StreamGenerate(ctx, req)
		if err != nil {
			events <- domain.AgentEvent{Type: domain.EventError, Message: err.Error()}
			return false
		}

		var text strings.Builder
		var calls []domain.ToolCall
		cancelled := false
		var streamErr error

	relay:
		for ev := range stream {
			if ctx.Err() != nil {
				cancelled = true
				break relay
			}
			switch ev.Type {
			case domain.StreamEventText:
				text.WriteString(ev.TextDelta)
				events <- domain.AgentEvent{Type: domain.EventTextDelta, TextDelta: ev.TextDelta}
			case domain.StreamEventToolCall:
				// Counter update strictly precedes the relay so callers
				// inspecting metrics mid-stream never see a stale count.
				tracker.RecordToolUsage(ev.ToolCall.Name)
				calls = append(calls, *ev.ToolCall)
				events <- domain.AgentEvent{Type: domain.EventToolCallRequest, ToolCall: ev.ToolCall}
			case domain.StreamEventError:
				tracker.RecordErrorEncounter()
				streamErr = ev.Err
				break relay
			case domain.StreamEventDone:
				// Usage is advisory; local estimates stay authoritative
				// for gating.
			}
		}
		o.publish(ctx, domain.BusModelCallCompleted, nil)

		if cancelled || ctx.Err() != nil {
			// Keep partial text, drop unanswered tool calls so the
			// alternation invariant holds for the next request.
			o.appendPartialModelTurn(sess, text.String())
			events <- domain.AgentEvent{Type: domain.EventCancelled}
			return false
		}
		if streamErr != nil {
			o.appendPartialModelTurn(sess, text.String())
			events <- domain.AgentEvent{Type: domain.EventError, Message: streamErr.Error()}
			return false
		}

		modelTurn := domain.TurnRecord{Role: domain.RoleModel, Timestamp: time.Now()}
		if text.Len() > 0 {
			modelTurn.Parts = append(modelTurn.Parts, domain.Part{Text: text.String()})
		}
		for i := range calls {
			modelTurn.Parts = append(modelTurn.Parts, domain.Part{ToolCall: &calls[i]})
		}
		if len(modelTurn.Parts) == 0 {
			modelTurn.Parts = []domain.Part{{Text: ""}}
		}
		sess.AddTurn(modelTurn)

		if len(calls) == 0 {
			return true
		}

		results := o.dispatchTools(ctx, sess, tracker, calls, events)
		content = domain.ToolResultTurn(results)
	}
}

// appendPartialModelTurn records whatever text the model produced before a
// stream ended abnormally. Tool calls are intentionally omitted.
func (o *Orchestrator) appendPartialModelTurn(sess *Session, text string) {
	if text == "" {
		return
	}
	sess.AddTurn(domain.TextTurn(domain.RoleModel, text))
}

// dispatchTools executes a batch of tool calls concurrently, preserving
// call order in the result slice.
func (o *Orchestrator) dispatchTools(
	ctx context.Context,
	sess *Session,
	tracker *Tracker,
	calls []domain.ToolCall,
	events chan<- domain.AgentEvent,
) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call domain.ToolCall) {
			defer wg.Done()
			o.publish(ctx, domain.BusToolCallStarted, call.Name)
			results[i] = o.executeTool(ctx, call)
			o.publish(ctx, domain.BusToolCallCompleted, call.Name)
		}(i, call)
	}
	wg.Wait()

	for i := range results {
		if results[i].IsError {
			tracker.RecordErrorEncounter()
		}
		events <- domain.AgentEvent{Type: domain.EventToolCallResult, ToolResult: &results[i]}
	}
	return results
}

func (o *Orchestrator) executeTool(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	tool, err := o.tools.Get(call.Name)
	if err != nil {
		return domain.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    err.Error(),
			IsError:    true,
		}
	}

	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return domain.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    domain.NewDomainError(call.Name, domain.ErrToolFailure, err.Error()).Error(),
			IsError:    true,
		}
	}

	out := *res
	out.ToolCallID = call.ID
	out.Name = call.Name
	return out
}

// systemPromptFor resolves the system instruction for the session. The
// prompt mode is an explicit session field; there is no global mode state.
func (o *Orchestrator) systemPromptFor(sess *Session) string {
	if o.cfg.SystemPrompt != "" {
		return o.cfg.SystemPrompt
	}
	if sess.PromptMode == "chat" {
		return chatSystemPrompt
	}
	return agentSystemPrompt
}

// publish emits a bus event. The session ID rides on ctx, stamped by Send,
// ResetSession, and ForceCompress.
func (o *Orchestrator) publish(ctx context.Context, eventType domain.BusEventType, payload any) {
	if o.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: domain.SessionIDFromContext(ctx),
		Payload:   raw,
	})
}
