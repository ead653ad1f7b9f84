package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/arbiter/internal/api"
)

// outputContract is appended to every worker prompt so replies parse into Output.
const outputContract = `

Reply with a single JSON object and nothing else:
{
  "payload": { ... your structured analysis ... },
  "constraints": ["binding statements, e.g. \"crew_rest: minimum delay 6h\", \"no-go: runway closed\""],
  "confidence": 0.0-1.0,
  "sources": ["references you relied on"]
}
Business workers propose an action in payload: {"action": "proceed|delay|cancel", "delay": "4h",
"cost": 0-1, "affected_parties": 0-1, "network_impact": 0-1} where lower is better.`

// LLMCapability is a worker backed by a Claude model.
type LLMCapability struct {
	runner *api.Runner
	model  anthropic.Model
}

// NewLLMCapability creates a model-backed capability. An empty model uses
// the client default.
func NewLLMCapability(runner *api.Runner, model string) *LLMCapability {
	return &LLMCapability{runner: runner, model: anthropic.Model(model)}
}

// LLMFactory returns a roster Factory that builds model-backed workers.
func LLMFactory(runner *api.Runner) Factory {
	return func(spec WorkerSpec) (Capability, error) {
		return NewLLMCapability(runner, spec.Model), nil
	}
}

// Invoke sends the round context to the model and parses its reply.
func (c *LLMCapability) Invoke(ctx context.Context, prompt string, wctx Context) (Output, error) {
	input, err := json.MarshalIndent(wctx, "", "  ")
	if err != nil {
		return Output{}, fmt.Errorf("encode worker context: %w", err)
	}

	var out Output
	err = c.runner.RunJSON(ctx, api.Request{
		Model:  c.model,
		System: prompt + outputContract,
		Prompt: string(input),
	}, &out)
	if err != nil {
		return Output{}, err
	}
	return out, nil
}
