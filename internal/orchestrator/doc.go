// Package orchestrator drives a disruption thread through the worker rounds,
// arbitration and the approval gate.
//
// A thread runs in fixed phases, each checkpointed under a well-known ID:
//   - round-initial: every registered worker answers independently
//   - round-revision: every worker sees the initial collation and revises
//   - arbitration: the engine ranks candidates against safety constraints
//   - approval-pending / approval-record: the optional human gate
//
// Resume reloads those checkpoints and runs only the phases whose output is
// missing, so a crash at any point costs at most the phase in flight.
// Progress is published as Events on an EventBus for the websocket stream
// and the MQTT relay.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//		Threads:     threads,
//		Recovery:    recovery,
//		Checkpoints: checkpoints,
//		Registry:    registry,
//	}, orchestrator.WithEventBus(bus))
//	out, err := orch.Run(ctx, disruption)
package orchestrator
