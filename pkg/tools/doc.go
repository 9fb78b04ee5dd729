// Package tools registers and executes structured tools for agent runs.
//
// Invariants:
// - Tool names are unique within a registry.
// - Arguments are schema-validated before the handler runs.
// - Every failure carries a Kind so callers can decide whether to retry.
package tools
