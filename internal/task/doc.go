// Package task executes queued tasks. A Worker dequeues one envelope at a
// time from the queue manager, resolves its handler from an explicit
// HandlerRegistry, runs it with a cancellation-aware context and a progress
// callback, persists the result and settles the task's status. WorkerPool
// runs N workers together with the delayed-task promoter and the stale-task
// reaper, and shuts them down gracefully.
package task
