// Package store defines the persistence contracts for task records, batch
// jobs, task executions, and task results. Implementations live under
// internal/platform (postgres for production, memory for tests and local
// development) so that the queue and orchestration logic stays independent of
// the storage technology.
package store
