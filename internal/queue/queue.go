// Package queue dispatches job ids to workers.
package queue

import "context"

// Queue is a FIFO of jobs waiting for a worker.
type Queue interface {
	// Push adds an item. A job id already queued or in flight is ignored.
	Push(item *Item) error

	// Pop removes and returns the next item, blocking until one is
	// available, ctx is done, or the queue is closed.
	Pop(ctx context.Context) (*Item, error)

	// Ack marks a popped job as finished.
	Ack(jobID string) error

	// Len returns the number of queued items.
	Len() int

	// Contains reports whether jobID is queued or in flight.
	Contains(jobID string) bool

	// Close wakes blocked Pop calls and releases resources.
	Close() error
}
