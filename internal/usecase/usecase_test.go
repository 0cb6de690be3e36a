package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"cadence-ai/internal/domain"
)

// --- Mocks ---

// mockProvider scripts both streaming and non-streaming calls. Each
// StreamGenerate call consumes one event batch; each Generate call consumes
// one response turn.
type mockProvider struct {
	mu sync.Mutex

	streams   [][]domain.StreamEvent
	streamIdx int
	streamErr error

	responses []domain.TurnRecord
	genIdx    int
	genErr    error

	generateCalls int
	streamCalls   int
	reqs          []domain.GenerateRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Generate(_ context.Context, _ domain.GenerateRequest) (domain.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	if m.genErr != nil {
		return domain.TurnRecord{}, m.genErr
	}
	if m.genIdx >= len(m.responses) {
		return domain.TextTurn(domain.RoleModel, "fallback"), nil
	}
	idx := m.genIdx
	m.genIdx++
	return m.responses[idx], nil
}

func (m *mockProvider) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamCalls++
	m.reqs = append(m.reqs, req)
	if m.streamErr != nil {
		return nil, m.streamErr
	}

	var batch []domain.StreamEvent
	if m.streamIdx < len(m.streams) {
		batch = m.streams[m.streamIdx]
		m.streamIdx++
	} else {
		batch = []domain.StreamEvent{
			{Type: domain.StreamEventText, TextDelta: "fallback"},
			{Type: domain.StreamEventDone},
		}
	}

	ch := make(chan domain.StreamEvent, len(batch))
	go func() {
		defer close(ch)
		for _, ev := range batch {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

type mockToolExecutor struct {
	tools map[string]domain.Tool
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.NewDomainError("mockToolExecutor.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema {
	var schemas []domain.ToolSchema
	for _, t := range m.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

func (m *mockToolExecutor) Capabilities() domain.CapabilitySnapshot {
	snap := domain.CapabilitySnapshot{Schemas: m.Schemas()}
	for name := range m.tools {
		snap.ToolNames = append(snap.ToolNames, name)
	}
	return snap
}

type staticTool struct {
	name   string
	result string
	err    error
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description()}
}

func (t *staticTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	if t.err != nil {
		return nil, t.err
	}
	return &domain.ToolResult{Content: t.result}, nil
}

func newTestLogger() *slog.Logger { return slog.Default() }

// --- History builders ---

func textHistory(pairs int) []domain.TurnRecord {
	var h []domain.TurnRecord
	for i := 0; i < pairs; i++ {
		h = append(h,
			domain.TextTurn(domain.RoleUser, fmt.Sprintf("question %d with some padding text", i)),
			domain.TextTurn(domain.RoleModel, fmt.Sprintf("answer %d with some padding text", i)),
		)
	}
	return h
}

func validDigest() string {
	return "## Overall Goal\nShip it.\n## Key Knowledge\nNone.\n## File System State\nNone.\n## Recent Actions\nNone.\n## Current Plan\nNone."
}

func digestStream() domain.TurnRecord {
	return domain.TextTurn(domain.RoleModel, validDigest())
}
