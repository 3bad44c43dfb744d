// Package results gathers the per-task results of completed batch jobs and
// exports them as JSON or CSV.
package results
