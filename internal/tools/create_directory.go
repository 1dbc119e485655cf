package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateDirectory creates a directory structure under a fixed output
// root, mirroring the original demo's demo_output/ layout. Paths are
// joined onto the root as given; ".." components are not rejected, so
// a path can still resolve outside the root.
type CreateDirectory struct {
	OutputRoot string // defaults to "demo_output" when empty
}

func (t *CreateDirectory) Name() string { return "create_directory" }

func (t *CreateDirectory) Description() string {
	return "Create a directory structure. Use this before create_file when files need to be placed in specific directories."
}

func (t *CreateDirectory) InputSchema() Schema {
	return Schema{
		"path": {Type: "string", Description: "directory path, relative to the output root", Required: true},
	}
}

func (t *CreateDirectory) Invoke(ctx context.Context, args map[string]string) (string, error) {
	path := t.resolve(args["path"])
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create_directory: %w", err)
	}
	return "Created directory: " + path, nil
}

func (t *CreateDirectory) resolve(path string) string {
	root := t.OutputRoot
	if root == "" {
		root = "demo_output"
	}
	if strings.HasPrefix(path, root+"/") {
		return path
	}
	return filepath.Join(root, path)
}
