// Package queue implements the task queue: priority-ordered envelopes, a
// delayed-task index keyed by fire time, and per-task status records.
//
// Manager is the single entry point for producers and workers. It enforces
// the task state machine on every status change, drops cancelled envelopes
// at dequeue time, and owns retry bookkeeping. Storage is pluggable through
// Store; MemoryStore serves tests and single-process deployments, and the
// Redis implementation in internal/platform/redis serves a worker fleet.
package queue
