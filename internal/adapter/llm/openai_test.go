package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/infra/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewProvider(config.LLMConfig{
		Name:    "test",
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	}, slog.Default())
	return p, srv
}

func TestGenerateTextResponse(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{
			"id": "resp-1",
			"model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`)
	})

	turn, err := p.Generate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "hello"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if turn.Role != domain.RoleModel {
		t.Errorf("role = %q, want model", turn.Role)
	}
	if turn.Text() != "hello back" {
		t.Errorf("text = %q", turn.Text())
	}
}

func TestGenerateToolCallResponse(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "tool_calls": [
				{"id": "call-1", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"a.txt\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"total_tokens": 10}
		}`)
	})

	turn, err := p.Generate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "read a.txt"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	calls := turn.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" || calls[0].ID != "call-1" {
		t.Fatalf("tool calls = %+v", calls)
	}
}

func TestGenerateRequestWireFormat(t *testing.T) {
	var captured wireRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body unparseable: %v", err)
		}
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`)
	})

	call := domain.ToolCall{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"x"}`)}
	history := []domain.TurnRecord{
		domain.TextTurn(domain.RoleUser, "read x"),
		{Role: domain.RoleModel, Parts: []domain.Part{{Text: "reading"}, {ToolCall: &call}}},
		domain.ToolResultTurn([]domain.ToolResult{{ToolCallID: "c1", Name: "read_file", Content: "data"}}),
	}

	_, err := p.Generate(context.Background(), domain.GenerateRequest{
		SystemInstruction: "be brief",
		History:           history,
		Content:           domain.TextTurn(domain.RoleUser, "summarize"),
		AuxiliaryContext:  "reminder block",
		Tools:             []domain.ToolSchema{{Name: "read_file", Description: "reads", Parameters: []byte(`{}`)}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// system, user, assistant(+tool_calls), tool, user, system(reinforcement)
	roles := make([]string, len(captured.Messages))
	for i, m := range captured.Messages {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool", "user", "system"}
	if len(roles) != len(want) {
		t.Fatalf("message roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("message roles = %v, want %v", roles, want)
		}
	}

	if captured.Messages[2].ToolCalls[0].Function.Name != "read_file" {
		t.Error("assistant tool call not mapped")
	}
	if captured.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool message tool_call_id = %q", captured.Messages[3].ToolCallID)
	}
	if captured.Messages[5].Content != "reminder block" {
		t.Error("auxiliary context not appended as trailing system message")
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "read_file" {
		t.Error("tool schemas not mapped")
	}
}

func TestStreamGenerateTextAndToolCalls(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"read_file","arguments":"{\"pa"}}]},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a\"}"}}]},"finish_reason":null}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.StreamGenerate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "hi"),
	})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}

	var text string
	var calls []domain.ToolCall
	var sawDone bool
	for ev := range ch {
		switch ev.Type {
		case domain.StreamEventText:
			text += ev.TextDelta
		case domain.StreamEventToolCall:
			calls = append(calls, *ev.ToolCall)
		case domain.StreamEventDone:
			sawDone = true
			if ev.Usage == nil || ev.Usage.TotalTokens != 6 {
				t.Errorf("usage on done = %+v", ev.Usage)
			}
		}
	}

	if text != "Hello" {
		t.Errorf("streamed text = %q", text)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].ID != "call-1" || string(calls[0].Arguments) != `{"path":"a"}` {
		t.Errorf("assembled call = %+v", calls[0])
	}
	if !sawDone {
		t.Error("no done event")
	}
}

func TestStreamGenerateConnectionDropped(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tial\"},\"finish_reason\":null}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Return without [DONE] or a finish_reason: the connection closes
		// with the response incomplete.
	})

	ch, err := p.StreamGenerate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "hi"),
	})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}

	var text string
	var errEvents, doneEvents int
	var streamErr error
	for ev := range ch {
		switch ev.Type {
		case domain.StreamEventText:
			text += ev.TextDelta
		case domain.StreamEventError:
			errEvents++
			streamErr = ev.Err
		case domain.StreamEventDone:
			doneEvents++
		}
	}

	if text != "partial" {
		t.Errorf("streamed text = %q", text)
	}
	if errEvents != 1 {
		t.Fatalf("error events = %d, want 1", errEvents)
	}
	if doneEvents != 0 {
		t.Errorf("done events = %d, want 0: a broken stream must not complete cleanly", doneEvents)
	}
	if !errors.Is(streamErr, domain.ErrProviderError) {
		t.Errorf("stream error = %v, want ErrProviderError", streamErr)
	}
}

// failingReader returns some SSE data, then an I/O error.
type failingReader struct {
	data []byte
	err  error
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func (r *failingReader) Close() error { return nil }

func TestParseSSEStreamSurfacesReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	body := &failingReader{
		data: []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n"),
		err:  readErr,
	}

	var deltas []streamDelta
	for d := range parseSSEStream(context.Background(), body, parseWireChunk) {
		deltas = append(deltas, d)
	}

	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want content then error", len(deltas))
	}
	if deltas[0].Content != "hi" {
		t.Errorf("first delta = %+v", deltas[0])
	}
	last := deltas[1]
	if last.Done {
		t.Error("read failure reported as Done")
	}
	if !errors.Is(last.Err, readErr) {
		t.Errorf("last delta err = %v, want %v", last.Err, readErr)
	}
}

func TestParseSSEStreamEOFWithoutDone(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n"))

	var last streamDelta
	for d := range parseSSEStream(context.Background(), body, parseWireChunk) {
		last = d
	}

	if !errors.Is(last.Err, io.ErrUnexpectedEOF) {
		t.Errorf("last delta err = %v, want io.ErrUnexpectedEOF", last.Err)
	}
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusBadRequest, domain.ErrProviderError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError(tt.status, []byte("detail"))
			if !errors.Is(err, tt.want) {
				t.Errorf("mapHTTPError(%d) = %v, want %v", tt.status, err, tt.want)
			}
		})
	}
}

func TestGenerateErrorStatus(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"slow down"}`)
	})

	_, err := p.Generate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "hi"),
	})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
}
