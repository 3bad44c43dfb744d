// Package domain contains the entities of the task queue and batch-job
// subsystem: task records, execution attempts, batch jobs, results, and the
// typed payload variants carried by tasks. It also owns the task and job
// state machines, independent of any storage or delivery mechanism.
package domain
