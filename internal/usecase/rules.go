package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"cadence-ai/internal/domain"
)

// The metrics tracker scores conversations with data-driven tables rather
// than per-keyword branching. Adding a rule means adding a table entry.

// complexityKeywords each add 5 points per occurrence to the complexity
// score.
var complexityKeywords = []string{
	"architecture",
	"refactor",
	"optimize",
	"optimization",
	"security",
	"scalability",
	"concurrency",
	"migration",
	"distributed",
	"performance",
}

// delegationToolNames marks tool invocations that hand work to a subagent.
var delegationToolNames = map[string]bool{
	"delegate":     true,
	"spawn_agent":  true,
	"run_subagent": true,
	"task":         true,
}

// HallucinationRule detects one drift pattern in the recent transcript.
// Trigger must match and Veto (when set) must not match for the tag to fire.
type HallucinationRule struct {
	Tag      string
	Trigger  *regexp.Regexp
	Veto     *regexp.Regexp
	Reminder string
}

var hallucinationRules = []HallucinationRule{
	{
		Tag:      "speculative-unverified",
		Trigger:  regexp.MustCompile(`(?i)\b(probably|presumably|i assume|i believe|should work|likely exists|might be)\b`),
		Veto:     regexp.MustCompile(`(?i)\[tool-call: (read_file|list_dir|search|grep)\]`),
		Reminder: "Verify claims against the actual file system or tool output before asserting them.",
	},
	{
		Tag:      "config-unvalidated",
		Trigger:  regexp.MustCompile(`(?i)\b(yaml|json|toml|\.env|config(uration)? file)\b`),
		Veto:     regexp.MustCompile(`(?i)\[tool-(call|result): (read_file|validate|lint)\]`),
		Reminder: "Read and validate configuration files before describing or editing their contents.",
	},
	{
		Tag:      "error-undiagnosed",
		Trigger:  regexp.MustCompile(`(?i)\b(stack ?trace|exception|panic:|segfault|error:)\b`),
		Veto:     regexp.MustCompile(`(?i)\[tool-(call|result): (read_file|search|grep|run)\]`),
		Reminder: "Diagnose errors from the real trace or logs before proposing a fix.",
	},
}

// renderTranscript flattens a history window into the line-oriented form
// the rule regexes match against.
func renderTranscript(turns []domain.TurnRecord) string {
	var b strings.Builder
	for _, t := range turns {
		for _, p := range t.Parts {
			switch {
			case p.ToolCall != nil:
				fmt.Fprintf(&b, "[tool-call: %s]\n", p.ToolCall.Name)
			case p.ToolResult != nil:
				fmt.Fprintf(&b, "[tool-result: %s]\n", p.ToolResult.Name)
			case p.Text != "":
				fmt.Fprintf(&b, "%s: %s\n", t.Role, p.Text)
			}
		}
	}
	return b.String()
}

// scanHallucinationTags returns the tags whose rules fire on the window,
// in table order, deduplicated against already present tags.
func scanHallucinationTags(window []domain.TurnRecord, present []string) []string {
	transcript := renderTranscript(window)
	have := make(map[string]bool, len(present))
	for _, tag := range present {
		have[tag] = true
	}

	tags := append([]string(nil), present...)
	for _, rule := range hallucinationRules {
		if have[rule.Tag] {
			continue
		}
		if !rule.Trigger.MatchString(transcript) {
			continue
		}
		if rule.Veto != nil && rule.Veto.MatchString(transcript) {
			continue
		}
		tags = append(tags, rule.Tag)
		have[rule.Tag] = true
	}
	return tags
}

// countKeywordOccurrences counts total occurrences of complexity keywords
// in the window text.
func countKeywordOccurrences(window []domain.TurnRecord) int {
	var b strings.Builder
	for _, t := range window {
		b.WriteString(strings.ToLower(t.Text()))
		b.WriteString("\n")
	}
	text := b.String()

	count := 0
	for _, kw := range complexityKeywords {
		count += strings.Count(text, kw)
	}
	return count
}

// reminderForTags maps present tags to their remediation sentences,
// concatenated in rule-table order, deduplicated.
func reminderForTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	have := make(map[string]bool, len(tags))
	for _, tag := range tags {
		have[tag] = true
	}

	var lines []string
	seen := make(map[string]bool)
	for _, rule := range hallucinationRules {
		if have[rule.Tag] && !seen[rule.Reminder] {
			lines = append(lines, rule.Reminder)
			seen[rule.Reminder] = true
		}
	}
	return strings.Join(lines, " ")
}
