package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/security"
)

// ReadFileTool reads a single file from the workspace sandbox.
type ReadFileTool struct {
	sandbox  *security.Sandbox
	maxBytes int
	logger   *slog.Logger
}

// NewReadFileTool creates a sandboxed file reader. maxBytes caps the
// returned content; larger files are truncated with a marker line.
func NewReadFileTool(sandbox *security.Sandbox, maxBytes int, logger *slog.Logger) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &ReadFileTool{sandbox: sandbox, maxBytes: maxBytes, logger: logger}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file within the workspace"
}

func (t *ReadFileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the workspace root"}
			},
			"required": ["path"]
		}`),
	}
}

type readFileParams struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p readFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResult(t.Name(), fmt.Sprintf("invalid params: %v", err)), nil
	}

	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult(t.Name(), err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorResult(t.Name(), fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := false
	if len(data) > t.maxBytes {
		data = data[:t.maxBytes]
		truncated = true
	}

	t.logger.Debug("read_file", "path", resolved, "size", len(data), "truncated", truncated)

	content := string(data)
	if truncated {
		content += fmt.Sprintf("\n[truncated at %d bytes]", t.maxBytes)
	}
	return &domain.ToolResult{Name: t.Name(), Content: content}, nil
}

func (t *ReadFileTool) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.sandbox.Root(), path)
	}
	return t.sandbox.ValidatePath(path)
}

func errorResult(name, msg string) *domain.ToolResult {
	return &domain.ToolResult{Name: name, Content: msg, IsError: true}
}
