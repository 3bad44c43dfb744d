// Package events carries task status changes from the queue manager to
// interested listeners.
//
// Publishing is fire-and-forget: a slow or absent listener never delays a
// status update. The in-process Bus delivers to buffered subscriptions and
// drops events for subscribers whose buffer is full. Listeners that forward
// events to external systems (for example Redis pub/sub) subscribe to the
// Bus and drain their subscription on their own goroutine.
package events
