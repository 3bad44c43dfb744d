// Package batch orchestrates batch jobs: it validates a batch request,
// persists the job, expands it into individual queued tasks under a bounded
// submission fan-out, aggregates job status from the task records at read
// time, and cancels or resumes jobs.
//
// Scheduled and recurring jobs are persisted only; Scheduler triggers them
// when they come due.
package batch
