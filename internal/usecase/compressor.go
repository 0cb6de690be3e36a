package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"cadence-ai/internal/domain"
)

const compressSystemPrompt = `You are a conversation state compressor. Given a conversation history, produce a structured digest with EXACTLY these five markdown sections, in this order:

## Overall Goal
What the user is ultimately trying to accomplish.

## Key Knowledge
Facts, decisions, constraints, and conclusions established so far.

## File System State
Files and directories read, created, or modified, with their relevant contents.

## Recent Actions
What was attempted most recently and with what result.

## Current Plan
The concrete next steps.

Output ONLY the digest. Every section heading must appear even if its body is "None."`

// OutcomeKind tags a compression result.
type OutcomeKind string

const (
	OutcomeCompressed OutcomeKind = "compressed"
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeFailed     OutcomeKind = "failed"
)

// Skip and failure reasons.
const (
	SkipBelowThreshold = "below_threshold"
	SkipStickyFailure  = "sticky_failure"
	SkipDisabled       = "disabled"
	SkipTooShort       = "history_too_short"
	FailEmptySummary   = "empty_summary"
	FailInflated       = "inflated_token_count"
	FailProvider       = "provider_error"
)

// Outcome is the tagged result of a compression attempt.
type Outcome struct {
	Kind         OutcomeKind
	Reason       string
	NewHistory   []domain.TurnRecord
	TokensBefore int
	TokensAfter  int
	Err          error
}

// CompressorConfig controls history compression.
type CompressorConfig struct {
	Enabled bool
	// TriggerTokens is the estimate above which non-forced compression runs.
	TriggerTokens int
	// TailFraction of the most recent turns is kept verbatim.
	TailFraction float64
	// MinHeadTurns is the minimum head size worth summarizing.
	MinHeadTurns int
}

func (c CompressorConfig) withDefaults() CompressorConfig {
	if c.TriggerTokens <= 0 {
		c.TriggerTokens = 48000
	}
	if c.TailFraction <= 0 || c.TailFraction >= 1 {
		c.TailFraction = 0.3
	}
	if c.MinHeadTurns <= 0 {
		c.MinHeadTurns = 4
	}
	return c
}

// Compressor replaces older history with a generated digest to reclaim
// context budget. Failure state is session-scoped (the sticky latch on
// Session), not compressor-scoped, so one Compressor serves all sessions.
type Compressor struct {
	provider domain.ModelProvider
	counter  TokenCounter
	cfg      CompressorConfig
	logger   *slog.Logger
}

// NewCompressor creates a compressor.
func NewCompressor(provider domain.ModelProvider, counter TokenCounter, cfg CompressorConfig, logger *slog.Logger) *Compressor {
	return &Compressor{
		provider: provider,
		counter:  counter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// MaybeCompress runs one compression decision for the session. Non-forced
// calls honor the trigger threshold and the sticky failure latch; a forced
// call always attempts exactly one summarization. On success the latch is
// cleared and NewHistory carries the digest plus the verbatim tail; the
// caller swaps the session history.
func (c *Compressor) MaybeCompress(ctx context.Context, sess *Session, forced bool) Outcome {
	if !c.cfg.Enabled && !forced {
		return Outcome{Kind: OutcomeSkipped, Reason: SkipDisabled}
	}

	history := sess.History()
	before := c.counter.CountTurns(history)

	if forced {
		// A forced attempt consumes the sticky failure latch regardless
		// of how the attempt itself turns out.
		sess.SetCompressionFailed(false)
	} else {
		if sess.CompressionFailed() {
			return Outcome{Kind: OutcomeSkipped, Reason: SkipStickyFailure}
		}
		if before < c.cfg.TriggerTokens {
			return Outcome{Kind: OutcomeSkipped, Reason: SkipBelowThreshold}
		}
	}

	head, tail := c.split(history)
	if len(head) < c.cfg.MinHeadTurns {
		return Outcome{Kind: OutcomeSkipped, Reason: SkipTooShort}
	}

	summary, err := c.summarize(ctx, head)
	if err != nil {
		if !forced {
			sess.SetCompressionFailed(true)
		}
		c.logger.Warn("compression summarization failed", "session_id", sess.ID, "error", err)
		return Outcome{Kind: OutcomeFailed, Reason: FailProvider, TokensBefore: before, Err: err}
	}
	if summary == "" {
		if !forced {
			sess.SetCompressionFailed(true)
		}
		c.logger.Warn("compression produced empty digest", "session_id", sess.ID)
		return Outcome{
			Kind:         OutcomeFailed,
			Reason:       FailEmptySummary,
			TokensBefore: before,
			Err:          domain.NewDomainError("Compressor.MaybeCompress", domain.ErrEmptySummary, ""),
		}
	}

	summaryTurn := domain.TextTurn(domain.RoleUser, summary)
	summaryTurn.Tag = domain.TagCompressionSummary
	ackTurn := domain.TextTurn(domain.RoleModel, "Got it. Thanks for the additional context!")
	ackTurn.Tag = domain.TagCompressionAck

	newHistory := make([]domain.TurnRecord, 0, len(tail)+2)
	newHistory = append(newHistory, summaryTurn, ackTurn)
	newHistory = append(newHistory, tail...)

	after := c.counter.CountTurns(newHistory)
	if after >= before {
		if !forced {
			sess.SetCompressionFailed(true)
		}
		c.logger.Warn("compression inflated the estimate",
			"session_id", sess.ID, "before", before, "after", after)
		return Outcome{
			Kind:         OutcomeFailed,
			Reason:       FailInflated,
			TokensBefore: before,
			TokensAfter:  after,
			Err:          domain.NewDomainError("Compressor.MaybeCompress", domain.ErrInflatedSummary, ""),
		}
	}

	sess.SetCompressionFailed(false)
	c.logger.Info("history compressed",
		"session_id", sess.ID,
		"turns_before", len(history),
		"turns_after", len(newHistory),
		"tokens_before", before,
		"tokens_after", after,
	)
	return Outcome{
		Kind:         OutcomeCompressed,
		NewHistory:   newHistory,
		TokensBefore: before,
		TokensAfter:  after,
	}
}

// split partitions history into head (to summarize) and tail (kept
// verbatim). The split never separates a tool-call turn from the user turn
// answering it: the boundary walks back over tool-result-only turns.
func (c *Compressor) split(history []domain.TurnRecord) (head, tail []domain.TurnRecord) {
	keep := int(float64(len(history)) * c.cfg.TailFraction)
	if keep < 1 {
		keep = 1
	}
	splitIdx := len(history) - keep
	for splitIdx > 0 && history[splitIdx].IsToolResultOnly() {
		splitIdx--
	}
	return history[:splitIdx], history[splitIdx:]
}

// digestSectionHeadings are the five required sections, in order.
var digestSectionHeadings = []string{
	"## Overall Goal",
	"## Key Knowledge",
	"## File System State",
	"## Recent Actions",
	"## Current Plan",
}

var codeFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\n(.*)\n```$")

// summarize issues the summarization call over the head and validates the
// digest structure. A digest missing any required section counts as empty.
func (c *Compressor) summarize(ctx context.Context, head []domain.TurnRecord) (string, error) {
	var sb strings.Builder
	for _, turn := range head {
		for _, p := range turn.Parts {
			switch {
			case p.ToolCall != nil:
				fmt.Fprintf(&sb, "%s requested tool %s(%s)\n", turn.Role, p.ToolCall.Name, p.ToolCall.Arguments)
			case p.ToolResult != nil:
				fmt.Fprintf(&sb, "tool %s returned: %s\n", p.ToolResult.Name, p.ToolResult.Content)
			case p.Text != "":
				fmt.Fprintf(&sb, "%s: %s\n", turn.Role, p.Text)
			}
		}
	}

	req := domain.GenerateRequest{
		SystemInstruction: compressSystemPrompt,
		Content:           domain.TextTurn(domain.RoleUser, sb.String()),
		Temperature:       0.3,
	}

	resp, err := c.provider.Generate(ctx, req)
	if err != nil {
		return "", domain.WrapOp("summarize", err)
	}

	digest := strings.TrimSpace(resp.Text())
	if m := codeFenceRe.FindStringSubmatch(digest); m != nil {
		digest = strings.TrimSpace(m[1])
	}
	if digest == "" || !hasAllSections(digest) {
		return "", nil
	}
	return digest, nil
}

// hasAllSections checks for the five required headings, case-insensitively.
func hasAllSections(digest string) bool {
	lower := strings.ToLower(digest)
	for _, h := range digestSectionHeadings {
		if !strings.Contains(lower, strings.ToLower(h)) {
			return false
		}
	}
	return true
}
