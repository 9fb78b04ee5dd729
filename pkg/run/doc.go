// Package run defines the data model for a single agent run: the mutable
// run state, the ordered event log entries, and pending tool calls.
//
// Invariants:
// - Status moves only along the allowed transition edges; terminal statuses never change.
// - PendingToolCalls is non-empty if and only if the status is awaiting_tools.
// - Seq increases by exactly one per emitted event and never repeats.
//
// The engine owns the state; everything exposed outside the engine is a
// snapshot. Nothing in this package performs I/O.
package run
