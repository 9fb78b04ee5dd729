// Package engine drives agent runs: it sequences completion calls and
// concurrent tool rounds, streams ordered events to a single consumer,
// and checkpoints progress as signed resumable tokens.
//
// Invariants:
// - One goroutine owns each run's state; callers only see events and tokens.
// - Event seq values are contiguous across a run, including resumes.
// - Every run produces exactly one terminal checkpoint and one channel close.
// - Cancellation is cooperative and observed only at defined safe points.
package engine
