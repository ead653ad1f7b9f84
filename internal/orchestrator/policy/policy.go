// Package policy defines configurable policy parameters for orchestration
// and arbitration. It centralizes thresholds and weights so they can be set
// from config and overridden in tests.
package policy

import (
	"errors"
	"time"
)

// Config contains all configurable policy parameters.
type Config struct {
	// Rounds controls worker deadlines during the two rounds.
	Rounds RoundPolicy

	// Arbitration controls scoring, quorum and candidate count.
	Arbitration ArbitrationPolicy

	// Approval controls the human gate.
	Approval ApprovalPolicy
}

// RoundPolicy controls round timing.
type RoundPolicy struct {
	// SafetyTimeout is the default deadline for safety workers.
	SafetyTimeout time.Duration

	// BusinessTimeout is the default deadline for business workers.
	BusinessTimeout time.Duration

	// RoundTimeout caps a whole round. Zero leaves each worker bounded only
	// by its own deadline.
	RoundTimeout time.Duration
}

// Weights are the composite-score weights used to rank candidates.
type Weights struct {
	SafetyMargin    float64
	Cost            float64
	AffectedParties float64
	Network         float64
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.SafetyMargin + w.Cost + w.AffectedParties + w.Network
}

// ArbitrationPolicy controls the arbitration engine.
type ArbitrationPolicy struct {
	Weights Weights

	// SafetyQuorum is the fraction of registered safety workers that must
	// succeed in the revision round. At least one is always required.
	SafetyQuorum float64

	// MaxCandidates is the number of ranked solutions offered, 1 to 3.
	MaxCandidates int

	// EscalatedConfidence caps confidence when arbitration escalates.
	EscalatedConfidence float64
}

// ApprovalPolicy controls the human approval gate.
type ApprovalPolicy struct {
	// Required pauses every thread for approval after arbitration.
	Required bool

	// PollInterval is how often Wait re-reads the approval record.
	PollInterval time.Duration
}

// DefaultWeights returns the standard ranking weights.
func DefaultWeights() Weights {
	return Weights{SafetyMargin: 0.40, Cost: 0.20, AffectedParties: 0.20, Network: 0.20}
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Rounds: RoundPolicy{
			SafetyTimeout:   45 * time.Second,
			BusinessTimeout: 30 * time.Second,
		},
		Arbitration: ArbitrationPolicy{
			Weights:             DefaultWeights(),
			SafetyQuorum:        1.0,
			MaxCandidates:       3,
			EscalatedConfidence: 0.3,
		},
		Approval: ApprovalPolicy{
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Validate rejects values that cannot be repaired and resets out-of-range
// values to their defaults.
func (c *Config) Validate() error {
	w := c.Arbitration.Weights
	if w.SafetyMargin < 0 || w.Cost < 0 || w.AffectedParties < 0 || w.Network < 0 {
		return errors.New("arbitration weights must not be negative")
	}
	if w.Sum() == 0 {
		c.Arbitration.Weights = DefaultWeights()
	}
	if c.Arbitration.SafetyQuorum <= 0 || c.Arbitration.SafetyQuorum > 1 {
		c.Arbitration.SafetyQuorum = 1.0
	}
	if c.Arbitration.MaxCandidates < 1 || c.Arbitration.MaxCandidates > 3 {
		c.Arbitration.MaxCandidates = 3
	}
	if c.Arbitration.EscalatedConfidence <= 0 || c.Arbitration.EscalatedConfidence > 0.3 {
		c.Arbitration.EscalatedConfidence = 0.3
	}
	if c.Rounds.SafetyTimeout <= 0 {
		c.Rounds.SafetyTimeout = 45 * time.Second
	}
	if c.Rounds.BusinessTimeout <= 0 {
		c.Rounds.BusinessTimeout = 30 * time.Second
	}
	if c.Rounds.RoundTimeout < 0 {
		c.Rounds.RoundTimeout = 0
	}
	if c.Approval.PollInterval < 10*time.Millisecond {
		c.Approval.PollInterval = 500 * time.Millisecond
	}
	return nil
}
