package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTool is a minimal tool for exercising the registry and validation.
type stubTool struct {
	name   string
	schema json.RawMessage
	result *domain.ToolResult
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.name,
		Description: "stub",
		Parameters:  s.schema,
	}
}
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return s.result, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(&stubTool{name: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name() != "alpha" {
		t.Errorf("expected alpha, got %q", got.Name())
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(&stubTool{name: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&stubTool{name: "alpha"}); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(testLogger())
	_, err := r.Get("missing")
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryCapabilitiesSorted(t *testing.T) {
	r := NewRegistry(testLogger())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	caps := r.Capabilities()
	want := []string{"alpha", "mid", "zeta"}
	if len(caps.ToolNames) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(caps.ToolNames))
	}
	for i, name := range want {
		if caps.ToolNames[i] != name {
			t.Errorf("names[%d] = %q, want %q", i, caps.ToolNames[i], name)
		}
		if caps.Schemas[i].Name != name {
			t.Errorf("schemas[%d] = %q, want %q", i, caps.Schemas[i].Name, name)
		}
	}
}

func TestSchemaValidationValidParams(t *testing.T) {
	inner := &stubTool{
		name: "test",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"]
		}`),
		result: &domain.ToolResult{Content: "ok"},
	}

	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := wrapped.Execute(context.Background(), json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "ok" {
		t.Errorf("expected 'ok', got %q", result.Content)
	}
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	inner := &stubTool{
		name: "test",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"]
		}`),
		result: &domain.ToolResult{Content: "should not reach"},
	}

	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"missing required", `{}`, "schema validation failed"},
		{"wrong type", `{"path": 42}`, "schema validation failed"},
		{"invalid json", `{not json`, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := wrapped.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got: %s", result.Content)
			}
			if !strings.Contains(result.Content, tt.want) {
				t.Errorf("expected %q in result, got: %s", tt.want, result.Content)
			}
		})
	}
}

func TestSchemaValidationNoSchemaPassthrough(t *testing.T) {
	inner := &stubTool{name: "bare", result: &domain.ToolResult{Content: "ok"}}

	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrapped != domain.Tool(inner) {
		t.Error("expected tool without schema to be returned unwrapped")
	}
}

func newTestSandbox(t *testing.T) (*security.Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := security.NewSandbox(dir)
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return sb, sb.Root()
}

func TestReadFile(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	rf := NewReadFileTool(sb, 1024, testLogger())
	result, err := rf.Execute(context.Background(), json.RawMessage(`{"path":"hello.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "hello world" {
		t.Errorf("expected file content, got %q", result.Content)
	}
}

func TestReadFileTruncation(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}

	rf := NewReadFileTool(sb, 10, testLogger())
	result, err := rf.Execute(context.Background(), json.RawMessage(`{"path":"big.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(result.Content, strings.Repeat("x", 10)) {
		t.Errorf("expected truncated content, got %q", result.Content)
	}
	if !strings.Contains(result.Content, "[truncated at 10 bytes]") {
		t.Errorf("expected truncation marker, got %q", result.Content)
	}
}

func TestReadFileEscapeRejected(t *testing.T) {
	sb, _ := newTestSandbox(t)

	rf := NewReadFileTool(sb, 1024, testLogger())
	result, err := rf.Execute(context.Background(), json.RawMessage(`{"path":"../../etc/passwd"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for path escape")
	}
}

func TestReadFileMissing(t *testing.T) {
	sb, _ := newTestSandbox(t)

	rf := NewReadFileTool(sb, 1024, testLogger())
	result, err := rf.Execute(context.Background(), json.RawMessage(`{"path":"nope.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing file")
	}
}

func TestListDir(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	ld := NewListDirTool(sb, testLogger())
	result, err := ld.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "a.txt\n") {
		t.Errorf("expected a.txt entry, got %q", result.Content)
	}
	if !strings.Contains(result.Content, "sub/\n") {
		t.Errorf("expected sub/ entry with slash, got %q", result.Content)
	}
}

func TestListDirEscapeRejected(t *testing.T) {
	sb, _ := newTestSandbox(t)

	ld := NewListDirTool(sb, testLogger())
	result, err := ld.Execute(context.Background(), json.RawMessage(`{"path":".."}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for path escape")
	}
}

func TestRegistryWrapsWithValidation(t *testing.T) {
	r := NewRegistry(testLogger())
	sb, _ := newTestSandbox(t)
	if err := r.Register(NewReadFileTool(sb, 1024, testLogger())); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get("read_file")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	result, err := got.Execute(context.Background(), json.RawMessage(`{"path": 7}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "schema validation failed") {
		t.Errorf("expected schema rejection for numeric path, got: %+v", result)
	}
}
