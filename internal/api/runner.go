package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const defaultMaxTokens = 4096

// Runner provides text-in/text-out model calls.
type Runner struct {
	client *Client
}

// NewRunner creates a new API runner.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// Request is a single model call.
type Request struct {
	// Model overrides the client default when set.
	Model     anthropic.Model
	System    string
	Prompt    string
	MaxTokens int64
}

// Run executes the request and returns the concatenated text blocks.
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	model := r.client.Model()
	if req.Model != "" {
		model = r.client.TranslateModel(req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := r.client.sdk().Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}

	r.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}
	return result.String(), nil
}

// RunJSON executes the request and parses the first JSON value in the reply.
func (r *Runner) RunJSON(ctx context.Context, req Request, target any) error {
	response, err := r.Run(ctx, req)
	if err != nil {
		return err
	}

	raw, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("parse JSON: %w (response: %s)", err, truncate(raw, 200))
	}
	return nil
}

// ExtractJSON returns the outermost JSON object or array in s. Models often
// wrap JSON in prose or code fences.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", fmt.Errorf("no valid JSON found in response: %s", truncate(s, 200))
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", fmt.Errorf("no valid JSON found in response: %s", truncate(s, 200))
	}
	return s[start : end+1], nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
