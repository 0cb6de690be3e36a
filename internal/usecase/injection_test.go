package usecase

import (
	"strings"
	"testing"
)

func testPolicy() *InjectionPolicy {
	return NewInjectionPolicy(PolicyConfig{Enabled: true})
}

func TestShouldInjectFloorTakesPrecedence(t *testing.T) {
	p := testPolicy()

	// Every factor maxed out, but the last injection was 2 turns ago.
	m := &SessionMetrics{
		TurnCount:             10,
		LastInjectionTurn:     8,
		ConsecutiveModelTurns: 10,
		ComplexityScore:       100,
		ErrorEncounterCount:   5,
		ToolUsageCount:        20,
		HallucinationTags:     []string{"speculative-unverified"},
	}

	if d := p.ShouldInject(m); d.Inject {
		t.Error("injection fired within the minimum turn floor")
	}
}

func TestShouldInjectConsecutiveModelTurnsAlone(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name        string
		consecutive int
		want        bool
	}{
		{"three consecutive model turns", 3, false},
		{"four consecutive model turns", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &SessionMetrics{
				TurnCount:             10,
				ConsecutiveModelTurns: tt.consecutive,
				ComplexityScore:       10,
			}
			if d := p.ShouldInject(m); d.Inject != tt.want {
				t.Errorf("Inject = %v, want %v", d.Inject, tt.want)
			}
		})
	}
}

func TestShouldInjectEachFactorAlone(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name string
		m    SessionMetrics
	}{
		{"complexity", SessionMetrics{TurnCount: 10, ComplexityScore: 50}},
		{"errors", SessionMetrics{TurnCount: 10, ErrorEncounterCount: 2}},
		{"hallucination tags", SessionMetrics{TurnCount: 10, HallucinationTags: []string{"config-unvalidated"}}},
		{"tool usage", SessionMetrics{TurnCount: 10, ToolUsageCount: 8}},
		{"fallback interval", SessionMetrics{TurnCount: 25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.ShouldInject(&tt.m)
			if !d.Inject {
				t.Fatalf("factor %q alone did not trigger", tt.name)
			}
		})
	}
}

func TestShouldInjectQuietConversation(t *testing.T) {
	p := testPolicy()
	m := &SessionMetrics{TurnCount: 10, ConsecutiveModelTurns: 1, ComplexityScore: 10}
	if d := p.ShouldInject(m); d.Inject {
		t.Errorf("quiet conversation triggered injection: factors=%v", d.Factors)
	}
}

func TestShouldInjectFallbackFiredFlag(t *testing.T) {
	p := testPolicy()

	m := &SessionMetrics{TurnCount: 30, FallbackAnchorTurn: 0}
	d := p.ShouldInject(m)
	if !d.Inject || !d.FallbackFired {
		t.Fatalf("fallback at turn 30 should fire: %+v", d)
	}

	// An ordinary injection at turn 28 must not have pushed the fallback
	// anchor out: only FallbackAnchorTurn matters.
	m = &SessionMetrics{TurnCount: 30, LastInjectionTurn: 23, FallbackAnchorTurn: 0}
	d = p.ShouldInject(m)
	if !d.Inject || !d.FallbackFired {
		t.Fatalf("fallback must fire from its own anchor, got %+v", d)
	}
}

func TestShouldInjectNeverTwiceWithinFloor(t *testing.T) {
	p := testPolicy()
	tr := NewTracker(TrackerConfig{})

	injections := 0
	lastFired := -100
	for turn := 1; turn <= 40; turn++ {
		tr.Update(nil)
		tr.RecordErrorEncounter()
		tr.RecordErrorEncounter()

		d := p.ShouldInject(tr.Metrics())
		if d.Inject {
			if turn-lastFired < 5 {
				t.Fatalf("injection at turn %d only %d turns after the previous", turn, turn-lastFired)
			}
			lastFired = turn
			injections++
			tr.RecordInjection(d.FallbackFired)
		}
	}
	if injections == 0 {
		t.Fatal("expected at least one injection over 40 error-laden turns")
	}
}

func TestShouldInjectDisabled(t *testing.T) {
	p := NewInjectionPolicy(PolicyConfig{Enabled: false})
	m := &SessionMetrics{TurnCount: 50, ConsecutiveModelTurns: 10}
	if d := p.ShouldInject(m); d.Inject {
		t.Error("disabled policy injected")
	}
}

func TestTargetedReminderStableOrderDeduplicated(t *testing.T) {
	p := testPolicy()

	m := &SessionMetrics{HallucinationTags: []string{
		"error-undiagnosed", "speculative-unverified", "error-undiagnosed",
	}}
	got := p.TargetedReminder(m)

	// Rule-table order: speculative first, error last, no duplicates.
	want := hallucinationRules[0].Reminder + " " + hallucinationRules[2].Reminder
	if got != want {
		t.Errorf("TargetedReminder() = %q, want %q", got, want)
	}
}

func TestBuildReinforcementIncludesReminder(t *testing.T) {
	d := InjectionDecision{Inject: true, Reminder: "Check the file first."}
	block := BuildReinforcement("Be helpful.", d)
	for _, want := range []string{"Be helpful.", "Check the file first."} {
		if !strings.Contains(block, want) {
			t.Errorf("reinforcement block missing %q", want)
		}
	}
}
