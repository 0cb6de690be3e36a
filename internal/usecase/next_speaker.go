package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"cadence-ai/internal/domain"
)

const nextSpeakerPrompt = `Analyze ONLY the content and structure of your immediately preceding response. Decide who should logically speak next: you (the model) or the user.

Rules, in priority order:
1. If you stated you would do something next (e.g. "Next, I will..."), the next speaker is "model".
2. If you asked the user a direct question, the next speaker is "user".
3. If your response was a complete answer or a completed task report, the next speaker is "user".

Respond with ONLY a JSON object in this exact format:
{"reasoning": "<one sentence>", "next_speaker": "user" or "model"}`

// nextSpeakerResponse mirrors the classifier's JSON contract.
type nextSpeakerResponse struct {
	Reasoning   string `json:"reasoning"`
	NextSpeaker string `json:"next_speaker"`
}

// NextSpeakerChecker asks an auxiliary classifier whether the model should
// take another turn without new user input.
type NextSpeakerChecker struct {
	provider domain.ModelProvider
	logger   *slog.Logger
}

// NewNextSpeakerChecker creates a checker.
func NewNextSpeakerChecker(provider domain.ModelProvider, logger *slog.Logger) *NextSpeakerChecker {
	return &NextSpeakerChecker{provider: provider, logger: logger}
}

// Check returns "model" when the model should continue, otherwise "user".
// Any provider error or unparseable response defaults to "user" so a flaky
// classifier can never cause a continuation loop.
func (n *NextSpeakerChecker) Check(ctx context.Context, history []domain.TurnRecord) string {
	if len(history) == 0 {
		return domain.RoleUser
	}
	last := history[len(history)-1]
	if last.Role != domain.RoleModel {
		return domain.RoleUser
	}

	req := domain.GenerateRequest{
		SystemInstruction: nextSpeakerPrompt,
		History:           history,
		Content:           domain.TextTurn(domain.RoleUser, "Who should speak next?"),
		Temperature:       0,
	}

	resp, err := n.provider.Generate(ctx, req)
	if err != nil {
		n.logger.Debug("next-speaker check failed, defaulting to user", "error", err)
		return domain.RoleUser
	}

	text := strings.TrimSpace(resp.Text())
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var parsed nextSpeakerResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		n.logger.Debug("next-speaker response unparseable, defaulting to user", "raw", text)
		return domain.RoleUser
	}

	if parsed.NextSpeaker == domain.RoleModel {
		return domain.RoleModel
	}
	return domain.RoleUser
}
