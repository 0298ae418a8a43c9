package queue

import "time"

// Item is one queued job.
type Item struct {
	JobID      string    `json:"job_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// seq orders items of equal priority by arrival.
	seq uint64
}
