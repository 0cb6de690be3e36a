package usecase

import (
	"github.com/pkoukk/tiktoken-go"

	"cadence-ai/internal/domain"
)

// TokenCounter estimates token counts locally, without calling the provider.
// Estimates feed the compression trigger and the session token ceiling, so
// they must be cheap and deterministic. Accuracy matters less than being a
// consistent, monotonic yardstick.
type TokenCounter interface {
	CountText(text string) int
	CountTurns(turns []domain.TurnRecord) int
}

// Per-turn and per-part overheads approximate the provider's message
// framing tokens.
const (
	turnOverheadTokens = 4
	partOverheadTokens = 2
)

// HeuristicCounter estimates roughly one token per four bytes of text.
// Longer input never yields a smaller estimate.
type HeuristicCounter struct{}

func (HeuristicCounter) CountText(text string) int {
	return (len(text) + 3) / 4
}

func (c HeuristicCounter) CountTurns(turns []domain.TurnRecord) int {
	total := 0
	for _, t := range turns {
		total += turnOverheadTokens
		for _, p := range t.Parts {
			total += partOverheadTokens
			switch {
			case p.ToolCall != nil:
				total += c.CountText(p.ToolCall.Name)
				total += c.CountText(string(p.ToolCall.Arguments))
			case p.ToolResult != nil:
				total += c.CountText(p.ToolResult.Name)
				total += c.CountText(p.ToolResult.Content)
			default:
				total += c.CountText(p.Text)
			}
		}
	}
	return total
}

// TiktokenCounter counts with a real BPE encoding. Falls back to the
// heuristic when the encoding cannot be loaded (e.g. offline first run).
type TiktokenCounter struct {
	enc      *tiktoken.Tiktoken
	fallback HeuristicCounter
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, domain.WrapOp("NewTiktokenCounter", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) CountText(text string) int {
	if c.enc == nil {
		return c.fallback.CountText(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountTurns(turns []domain.TurnRecord) int {
	total := 0
	for _, t := range turns {
		total += turnOverheadTokens
		for _, p := range t.Parts {
			total += partOverheadTokens
			switch {
			case p.ToolCall != nil:
				total += c.CountText(p.ToolCall.Name)
				total += c.CountText(string(p.ToolCall.Arguments))
			case p.ToolResult != nil:
				total += c.CountText(p.ToolResult.Name)
				total += c.CountText(p.ToolResult.Content)
			default:
				total += c.CountText(p.Text)
			}
		}
	}
	return total
}

// EstimateRequestTokens estimates the full prompt footprint: system
// instruction plus history. Used against the session token ceiling.
func EstimateRequestTokens(counter TokenCounter, systemInstruction string, history []domain.TurnRecord) int {
	return counter.CountText(systemInstruction) + counter.CountTurns(history)
}
