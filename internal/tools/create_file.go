package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateFile writes content to a file under a fixed output root. A
// plan typically references content generated by GenerateFileContent
// via a $N placeholder rather than inlining literal text.
type CreateFile struct {
	OutputRoot string
}

func (t *CreateFile) Name() string { return "create_file" }

func (t *CreateFile) Description() string {
	return "Create a file with specified content. Reference generate_file_content output with $N instead of hardcoding content."
}

func (t *CreateFile) InputSchema() Schema {
	return Schema{
		"path":    {Type: "string", Description: "file path, relative to the output root", Required: true},
		"content": {Type: "string", Description: "file content", Required: true},
	}
}

func (t *CreateFile) Invoke(ctx context.Context, args map[string]string) (string, error) {
	path := t.resolve(args["path"])
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create_file: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(args["content"]), 0o644); err != nil {
		return "", fmt.Errorf("create_file: %w", err)
	}
	return "Created file: " + path, nil
}

func (t *CreateFile) resolve(path string) string {
	root := t.OutputRoot
	if root == "" {
		root = "demo_output"
	}
	if strings.HasPrefix(path, root+"/") {
		return path
	}
	return filepath.Join(root, path)
}
