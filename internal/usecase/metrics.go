package usecase

import (
	"cadence-ai/internal/domain"
)

// SessionMetrics is the rolling set of conversation-quality signals the
// injection policy decides on. Single owner: the Tracker.
type SessionMetrics struct {
	// TurnCount increments once per outgoing turn (each Update call).
	TurnCount int

	// ConsecutiveModelTurns counts trailing model turns since the last user
	// turn carrying non-tool-result content.
	ConsecutiveModelTurns int

	// ComplexityScore is capped at 100.
	ComplexityScore int

	// HallucinationTags holds detected drift indicators, deduplicated,
	// in detection order.
	HallucinationTags []string

	// Window counters, reset when an injection fires.
	ToolUsageCount      int
	ErrorEncounterCount int
	DelegationCount     int

	// LastInjectionTurn anchors the hard floor between injections. Updated
	// on every injection.
	LastInjectionTurn int

	// FallbackAnchorTurn anchors the long-interval fallback trigger. Updated
	// only when the fallback itself fired, so ordinary injections do not
	// push the safety net out.
	FallbackAnchorTurn int
}

const (
	complexityBaseCap  = 50
	complexityTotalCap = 100
	keywordWeight      = 5
	toolUsageWeight    = 2
	delegationWeight   = 3
	defaultWindowTurns = 6
	defaultBaseDivisor = 40
)

// TrackerConfig tunes the metrics scan. Zero values fall back to defaults.
type TrackerConfig struct {
	// WindowTurns is how many trailing turns the text scans cover.
	WindowTurns int
	// ComplexityBaseDivisor converts recent text length into the base
	// complexity term.
	ComplexityBaseDivisor int
}

// Tracker derives SessionMetrics from history snapshots and from the
// stream events the orchestrator reports. It is owned by a single
// orchestrator invocation at a time; no internal locking.
type Tracker struct {
	cfg     TrackerConfig
	metrics SessionMetrics
}

// NewTracker creates a metrics tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.WindowTurns <= 0 {
		cfg.WindowTurns = defaultWindowTurns
	}
	if cfg.ComplexityBaseDivisor <= 0 {
		cfg.ComplexityBaseDivisor = defaultBaseDivisor
	}
	return &Tracker{cfg: cfg}
}

// Metrics returns the current aggregate.
func (t *Tracker) Metrics() *SessionMetrics {
	return &t.metrics
}

// Update recomputes the history-derived signals from the current snapshot
// and bumps the turn counter. Called once per outgoing turn.
func (t *Tracker) Update(history []domain.TurnRecord) *SessionMetrics {
	t.metrics.TurnCount++

	window := history
	if len(window) > t.cfg.WindowTurns {
		window = window[len(window)-t.cfg.WindowTurns:]
	}

	t.metrics.ConsecutiveModelTurns = consecutiveModelTurns(history)
	t.metrics.HallucinationTags = scanHallucinationTags(window, t.metrics.HallucinationTags)
	t.metrics.ComplexityScore = t.complexity(window)

	return &t.metrics
}

// consecutiveModelTurns counts trailing model turns. A user turn that only
// carries tool results does not break the streak.
func consecutiveModelTurns(history []domain.TurnRecord) int {
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role == domain.RoleModel {
			count++
			continue
		}
		if turn.IsToolResultOnly() {
			continue
		}
		break
	}
	return count
}

func (t *Tracker) complexity(window []domain.TurnRecord) int {
	textLen := 0
	for _, turn := range window {
		textLen += len(turn.Text())
	}

	base := textLen / t.cfg.ComplexityBaseDivisor
	if base > complexityBaseCap {
		base = complexityBaseCap
	}

	score := base +
		keywordWeight*countKeywordOccurrences(window) +
		toolUsageWeight*t.metrics.ToolUsageCount +
		delegationWeight*t.metrics.DelegationCount

	if score > complexityTotalCap {
		score = complexityTotalCap
	}
	return score
}

// RecordToolUsage is called by the orchestrator when it observes a
// tool-call-request stream event, before relaying the event upward.
func (t *Tracker) RecordToolUsage(toolName string) {
	t.metrics.ToolUsageCount++
	if delegationToolNames[toolName] {
		t.metrics.DelegationCount++
	}
}

// RecordErrorEncounter is called when an error stream event or a failed
// tool result is observed, before the event is relayed upward.
func (t *Tracker) RecordErrorEncounter() {
	t.metrics.ErrorEncounterCount++
}

// RecordInjection resets the window counters that contributed to the
// decision and re-anchors the injection floor. The fallback anchor moves
// only when the fallback factor itself fired.
func (t *Tracker) RecordInjection(fallbackFired bool) {
	t.metrics.LastInjectionTurn = t.metrics.TurnCount
	if fallbackFired {
		t.metrics.FallbackAnchorTurn = t.metrics.TurnCount
	}
	t.metrics.ErrorEncounterCount = 0
	t.metrics.ToolUsageCount = 0
	t.metrics.HallucinationTags = nil
}

// Reset clears all state, used at session start and after history is
// replaced wholesale (compression, session reset).
func (t *Tracker) Reset() {
	t.metrics = SessionMetrics{}
}
