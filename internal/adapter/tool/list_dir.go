package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/security"
)

// ListDirTool lists directory entries within the workspace sandbox.
type ListDirTool struct {
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewListDirTool creates a sandboxed directory lister.
func NewListDirTool(sandbox *security.Sandbox, logger *slog.Logger) *ListDirTool {
	return &ListDirTool{sandbox: sandbox, logger: logger}
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List the entries of a directory within the workspace"
}

func (t *ListDirTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path, relative to the workspace root. Defaults to the root."}
			}
		}`),
	}
}

type listDirParams struct {
	Path string `json:"path"`
}

func (t *ListDirTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p listDirParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return errorResult(t.Name(), fmt.Sprintf("invalid params: %v", err)), nil
		}
	}

	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult(t.Name(), err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return errorResult(t.Name(), fmt.Sprintf("list dir: %v", err)), nil
	}

	t.logger.Debug("list_dir", "path", resolved, "entries", len(entries))

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
		}
	}
	return &domain.ToolResult{Name: t.Name(), Content: sb.String()}, nil
}

func (t *ListDirTool) resolvePath(path string) (string, error) {
	if path == "" || path == "." {
		return t.sandbox.Root(), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.sandbox.Root(), path)
	}
	return t.sandbox.ValidatePath(path)
}
