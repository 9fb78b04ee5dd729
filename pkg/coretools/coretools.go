// Package coretools registers baseline filesystem tools, scoped to a
// workspace root so a model cannot reach outside it.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrelworks/kestrel/pkg/tools"
)

const defaultReadLimit = 200000

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot confines every path argument. Required.
	WorkspaceRoot string
}

// Register adds the core filesystem tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	if strings.TrimSpace(opts.WorkspaceRoot) == "" {
		return errors.New("workspace root is required")
	}
	root := filepath.Clean(opts.WorkspaceRoot)

	defs := []tools.Definition{
		readFileTool(root),
		writeFileTool(root),
		editFileTool(root),
		listDirTool(root),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool(root string) tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			target, err := resolveInWorkspace(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"path":      stringArg(args, "path"),
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(root string) tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			target, err := resolveInWorkspace(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			content := stringArg(args, "content")
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]any{
				"path":   stringArg(args, "path"),
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(root string) tools.Definition {
	return tools.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			target, err := resolveInWorkspace(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			search := stringArg(args, "search")
			replace := stringArg(args, "replace")
			replaceAll, _ := args["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := 0
			var updated string
			if replaceAll {
				occurrences = strings.Count(content, search)
				updated = strings.ReplaceAll(content, search, replace)
			} else if idx := strings.Index(content, search); idx >= 0 {
				occurrences = 1
				updated = content[:idx] + replace + content[idx+len(search):]
			}
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]any{
				"path":        stringArg(args, "path"),
				"occurrences": occurrences,
			}, nil
		},
	}
}

func listDirTool(root string) tools.Definition {
	return tools.Definition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			rel := stringArg(args, "path")
			if rel == "" {
				rel = "."
			}
			target, err := resolveInWorkspace(root, rel)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]any{
				"path":    rel,
				"entries": names,
			}, nil
		},
	}
}

// resolveInWorkspace cleans path relative to root and rejects anything that
// escapes it.
func resolveInWorkspace(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace root", path)
	}
	return candidate, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	if _, err := file.Read(make([]byte, 1)); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
