package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ListFiles discovers files under root matching a doublestar glob
// pattern (supporting "**" for recursive matches), so a plan can locate
// inputs before generating or writing dependent content.
type ListFiles struct{}

func (t *ListFiles) Name() string { return "list_files" }

func (t *ListFiles) Description() string {
	return "List files under a root directory matching a glob pattern (supports ** for recursive match)."
}

func (t *ListFiles) InputSchema() Schema {
	return Schema{
		"root":    {Type: "string", Description: "directory to search, defaults to .", Required: false},
		"pattern": {Type: "string", Description: "doublestar glob pattern, e.g. **/*.go", Required: true},
	}
}

func (t *ListFiles) Invoke(ctx context.Context, args map[string]string) (string, error) {
	root := args["root"]
	if root == "" {
		root = "."
	}
	pattern := args["pattern"]
	if pattern == "" {
		return "", fmt.Errorf("list_files: pattern is required")
	}

	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return "", fmt.Errorf("list_files: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Sprintf("(no files matched pattern %s under %s)", pattern, root), nil
	}
	return strings.Join(matches, "\n"), nil
}
