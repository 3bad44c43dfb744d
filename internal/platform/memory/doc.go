// Package memory implements the store interfaces with process-local maps.
// It backs unit tests and the "memory" database driver used for local
// development; nothing is persisted across restarts.
package memory
