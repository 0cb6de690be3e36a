package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/usecase"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	toolStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// repl reads user input line by line and streams responses. Slash commands
// operate on the session without calling the model (except /compress).
func repl(ctx context.Context, orch *usecase.Orchestrator, manager *usecase.SessionManager, sess *usecase.Session, log *slog.Logger) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	fmt.Printf("cadence %s (/help for commands)\n", sess.ID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("you ❯ ") + " ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, line, orch, sess); quit {
				return nil
			}
			continue
		}

		if err := streamRequest(ctx, orch, sess, line, renderer); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Println(errorStyle.Render("error: " + err.Error()))
		}

		if err := manager.Persist(ctx, sess); err != nil {
			log.Warn("persist session", "error", err)
		}
	}
}

func runCommand(ctx context.Context, line string, orch *usecase.Orchestrator, sess *usecase.Session) (quit bool) {
	switch line {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`commands:
  /compress   force history compression now
  /stats      show session metrics
  /reset      clear history and metrics
  /quit       exit`)
	case "/compress":
		outcome := orch.ForceCompress(ctx, sess)
		switch outcome.Kind {
		case usecase.OutcomeCompressed:
			fmt.Println(infoStyle.Render(fmt.Sprintf(
				"compressed: %d -> %d tokens", outcome.TokensBefore, outcome.TokensAfter)))
		case usecase.OutcomeSkipped:
			fmt.Println(infoStyle.Render("compression skipped: " + outcome.Reason))
		case usecase.OutcomeFailed:
			fmt.Println(errorStyle.Render("compression failed: " + outcome.Reason))
		}
	case "/stats":
		m := orch.Metrics(sess)
		fmt.Printf("turns: %d (session %d)\n", m.TurnCount, sess.TurnCount())
		fmt.Printf("consecutive model turns: %d\n", m.ConsecutiveModelTurns)
		fmt.Printf("complexity: %d\n", m.ComplexityScore)
		fmt.Printf("tool calls: %d, errors: %d\n", m.ToolUsageCount, m.ErrorEncounterCount)
		if len(m.HallucinationTags) > 0 {
			fmt.Printf("drift indicators: %s\n", strings.Join(m.HallucinationTags, ", "))
		}
	case "/reset":
		orch.ResetSession(ctx, sess)
		fmt.Println(infoStyle.Render("session reset"))
	default:
		fmt.Println(errorStyle.Render("unknown command: " + line))
	}
	return false
}

// streamRequest sends one user request and prints events as they arrive.
// Text deltas stream raw; the complete response is re-rendered as markdown
// once the request finishes.
func streamRequest(ctx context.Context, orch *usecase.Orchestrator, sess *usecase.Session, input string, renderer *glamour.TermRenderer) error {
	events, err := orch.Send(ctx, sess, input)
	if err != nil {
		return err
	}

	var response strings.Builder
	for ev := range events {
		switch ev.Type {
		case domain.EventTextDelta:
			fmt.Print(ev.TextDelta)
			response.WriteString(ev.TextDelta)
		case domain.EventToolCallRequest:
			fmt.Println()
			fmt.Println(toolStyle.Render("⚙ " + ev.ToolCall.Name))
		case domain.EventToolCallResult:
			status := "ok"
			if ev.ToolResult.IsError {
				status = "error"
			}
			fmt.Println(toolStyle.Render(fmt.Sprintf("⚙ %s %s", ev.ToolResult.Name, status)))
		case domain.EventChatCompressed:
			fmt.Println(infoStyle.Render(fmt.Sprintf(
				"history compressed: %d -> %d tokens",
				ev.Compression.TokensBefore, ev.Compression.TokensAfter)))
		case domain.EventFinished:
			fmt.Println()
			if response.Len() > 0 {
				if out, rerr := renderer.Render(response.String()); rerr == nil {
					fmt.Print(out)
				}
			}
		case domain.EventCancelled:
			fmt.Println()
			fmt.Println(infoStyle.Render("cancelled"))
		case domain.EventError:
			fmt.Println()
			return errors.New(ev.Message)
		case domain.EventMaxTurnsExceeded:
			fmt.Println(errorStyle.Render("session turn limit reached"))
		case domain.EventTokenLimitExceeded:
			fmt.Println(errorStyle.Render(fmt.Sprintf(
				"session token ceiling reached (%d > %d); try /compress or /reset",
				ev.TokenLimit.Estimated, ev.TokenLimit.Limit)))
		}
	}
	return nil
}
