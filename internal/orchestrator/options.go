package orchestrator

import (
	"log/slog"

	"github.com/ShayCichocki/arbiter/internal/approval"
	"github.com/ShayCichocki/arbiter/internal/arbitration"
	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/internal/worker"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Threads owns thread lifecycle.
	Threads *thread.Manager
	// Recovery finds resume points.
	Recovery *thread.RecoveryManager
	// Checkpoints persists phase state.
	Checkpoints *checkpoint.Store
	// Registry holds the workers consulted each round.
	Registry *worker.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	policyConfig    *policy.Config
	logger          *slog.Logger
	bus             *EventBus
	engine          *arbitration.Engine
	gate            *approval.Gate
	requireApproval *bool
	coordinator     *PhaseCoordinator
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithEventBus sets the bus events are published on.
func WithEventBus(b *EventBus) Option {
	return func(o *orchestratorOptions) { o.bus = b }
}

// WithEngine sets a custom arbitration engine.
func WithEngine(e *arbitration.Engine) Option {
	return func(o *orchestratorOptions) { o.engine = e }
}

// WithGate sets a custom approval gate. The caller is then responsible
// for publishing approval outcomes.
func WithGate(g *approval.Gate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// WithRequireApproval overrides the policy's approval requirement.
func WithRequireApproval(required bool) Option {
	return func(o *orchestratorOptions) { o.requireApproval = &required }
}

// WithCoordinator sets a custom phase coordinator (mainly for testing).
func WithCoordinator(c *PhaseCoordinator) Option {
	return func(o *orchestratorOptions) { o.coordinator = c }
}
