package usecase

import "strings"

// PolicyConfig holds the injection thresholds. Zero values fall back to
// defaults.
type PolicyConfig struct {
	Enabled               bool
	MinTurnsBetween       int
	MaxTurnsWithout       int
	ConsecutiveModelTurns int
	ComplexityThreshold   int
	ErrorThreshold        int
	ToolUsageThreshold    int
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.MinTurnsBetween <= 0 {
		c.MinTurnsBetween = 5
	}
	if c.MaxTurnsWithout <= 0 {
		c.MaxTurnsWithout = 25
	}
	if c.ConsecutiveModelTurns <= 0 {
		c.ConsecutiveModelTurns = 4
	}
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = 50
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 2
	}
	if c.ToolUsageThreshold <= 0 {
		c.ToolUsageThreshold = 8
	}
	return c
}

// InjectionDecision is the outcome of one policy evaluation.
type InjectionDecision struct {
	Inject bool
	// FallbackFired is true when the long-interval safety net was among the
	// triggering factors. The tracker uses it to decide whether to move the
	// fallback anchor.
	FallbackFired bool
	// Factors names the triggering factors, for logging.
	Factors []string
	// Reminder is the targeted remediation text, empty when no
	// hallucination tags are present.
	Reminder string
}

// InjectionPolicy decides, per outgoing turn, whether to re-inject the full
// instruction set. Pure over metrics; holds no state of its own.
type InjectionPolicy struct {
	cfg PolicyConfig
}

// NewInjectionPolicy creates a policy with the given thresholds.
func NewInjectionPolicy(cfg PolicyConfig) *InjectionPolicy {
	return &InjectionPolicy{cfg: cfg.withDefaults()}
}

// ShouldInject evaluates the six trigger factors. The hard floor between
// injections takes precedence over every factor.
func (p *InjectionPolicy) ShouldInject(m *SessionMetrics) InjectionDecision {
	if !p.cfg.Enabled {
		return InjectionDecision{}
	}

	turnsSinceLast := m.TurnCount - m.LastInjectionTurn
	if turnsSinceLast < p.cfg.MinTurnsBetween {
		return InjectionDecision{}
	}

	var factors []string
	if m.ConsecutiveModelTurns >= p.cfg.ConsecutiveModelTurns {
		factors = append(factors, "consecutive_model_turns")
	}
	if m.ComplexityScore >= p.cfg.ComplexityThreshold {
		factors = append(factors, "complexity")
	}
	if m.ErrorEncounterCount >= p.cfg.ErrorThreshold {
		factors = append(factors, "errors")
	}
	if len(m.HallucinationTags) > 0 {
		factors = append(factors, "hallucination_indicators")
	}
	if m.ToolUsageCount >= p.cfg.ToolUsageThreshold {
		factors = append(factors, "tool_usage")
	}

	fallbackFired := m.TurnCount-m.FallbackAnchorTurn >= p.cfg.MaxTurnsWithout
	if fallbackFired {
		factors = append(factors, "fallback_interval")
	}

	if len(factors) == 0 {
		return InjectionDecision{}
	}

	return InjectionDecision{
		Inject:        true,
		FallbackFired: fallbackFired,
		Factors:       factors,
		Reminder:      p.TargetedReminder(m),
	}
}

// TargetedReminder maps each present hallucination tag to its remediation
// sentence. Multiple tags concatenate in stable rule order, deduplicated.
func (p *InjectionPolicy) TargetedReminder(m *SessionMetrics) string {
	return reminderForTags(m.HallucinationTags)
}

// BuildReinforcement assembles the auxiliary context block prepended to the
// outgoing request: the full instruction set plus the optional targeted
// reminder. The block never enters the persisted history.
func BuildReinforcement(systemInstruction string, decision InjectionDecision) string {
	var b strings.Builder
	b.WriteString("Reminder of your operating instructions:\n\n")
	b.WriteString(systemInstruction)
	if decision.Reminder != "" {
		b.WriteString("\n\nAdditionally: ")
		b.WriteString(decision.Reminder)
	}
	return b.String()
}
