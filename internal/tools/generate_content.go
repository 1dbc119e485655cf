package tools

import (
	"context"
	"fmt"

	"github.com/llmc-go/llmc/internal/llm"
)

// GenerateFileContent asks an LLM to produce file content for a
// downstream create_file task. Its output is meant to be threaded to
// create_file via a $N placeholder rather than duplicated inline.
type GenerateFileContent struct {
	LLM *llm.Client
}

func (t *GenerateFileContent) Name() string { return "generate_file_content" }

func (t *GenerateFileContent) Description() string {
	return "Generate file content based on a description. Its output should be referenced by create_file tasks using $N syntax."
}

func (t *GenerateFileContent) InputSchema() Schema {
	return Schema{
		"description":  {Type: "string", Description: "what the content should contain", Required: true},
		"content_type": {Type: "string", Description: "e.g. tsx, css, json, markdown", Required: true},
		"context":      {Type: "string", Description: "additional context from prior tasks", Required: false},
	}
}

func (t *GenerateFileContent) Invoke(ctx context.Context, args map[string]string) (string, error) {
	prompt := fmt.Sprintf("Generate %s content for: %s", args["content_type"], args["description"])
	if c := args["context"]; c != "" {
		prompt += "\nContext: " + c
	}
	prompt += "\nRespond with only the file content — no commentary, no markdown code fences."

	content, err := t.LLM.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate_file_content: %w", err)
	}
	return llm.StripFences(content), nil
}
