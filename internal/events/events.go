// Package events fans job progress out to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	JobProcessing = "job.processing"
	URLStarted    = "url.started"
	URLCompleted  = "url.completed"
	URLFailed     = "url.failed"
	JobFinished   = "job.finished"
	// JobInterrupted is sent when a worker stops mid-job. More events for
	// the job follow once it resumes.
	JobInterrupted = "job.interrupted"
)

// Event is one progress notification for a job.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	URL       string    `json:"url,omitempty"`
	Index     int       `json:"index,omitempty"`
	Total     int       `json:"total,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Final reports whether no further events follow for the job.
func (e Event) Final() bool {
	return e.Type == JobFinished
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Tee publishes every event to each of its publishers in order.
type Tee []Publisher

// Publish implements Publisher.
func (t Tee) Publish(e Event) {
	for _, p := range t {
		p.Publish(e)
	}
}

// Subscription receives a job's events on C. C is closed after the job's
// final event or when Close is called.
type Subscription struct {
	C <-chan Event

	hub      *Hub
	jobID    string
	ch       chan Event
	once     sync.Once
	quit     chan struct{}
	quitOnce sync.Once
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.hub.remove(s)
}

// Hub is an in-process Publisher with per-job subscriptions. Recent events
// of each job are kept so late subscribers can catch up.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	history map[string][]Event
	order   []string
	buffer  int
	keep    int
	maxJobs int
	dropped atomic.Int64
	now     func() time.Time

	// finalWait bounds delivery of a final event to a full subscriber.
	finalWait time.Duration
}

// NewHub creates a hub. buffer is the per-subscriber channel size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		history:   make(map[string][]Event),
		buffer:    buffer,
		keep:      256,
		maxJobs:   1024,
		now:       time.Now,
		finalWait: time.Second,
	}
}

// Publish implements Publisher. Subscribers that are not keeping up miss
// the event, except for a final event, which is still delivered if the
// subscriber drains its buffer within finalWait.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.record(e)
	for sub := range h.subs[e.JobID] {
		select {
		case sub.ch <- e:
			if e.Final() {
				h.closeLocked(sub)
			}
			continue
		default:
		}
		if !e.Final() {
			h.dropped.Add(1)
			continue
		}
		// Detached first so nothing else sends on or closes the channel.
		h.detachLocked(sub)
		go h.deliverFinal(sub, e)
	}
}

func (h *Hub) deliverFinal(sub *Subscription, e Event) {
	timer := time.NewTimer(h.finalWait)
	defer timer.Stop()

	select {
	case sub.ch <- e:
	case <-timer.C:
		h.dropped.Add(1)
	case <-sub.quit:
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (h *Hub) record(e Event) {
	past, ok := h.history[e.JobID]
	if !ok {
		h.order = append(h.order, e.JobID)
		if len(h.order) > h.maxJobs {
			delete(h.history, h.order[0])
			h.order = h.order[1:]
		}
	}
	past = append(past, e)
	if len(past) > h.keep {
		past = past[len(past)-h.keep:]
	}
	h.history[e.JobID] = past
}

// Subscribe returns a subscription to jobID's events. Events already
// published for the job are replayed first; if the job already finished
// the channel is closed after the replay.
func (h *Hub) Subscribe(jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	past := h.history[jobID]
	size := h.buffer
	if len(past) > size {
		size = len(past)
	}
	ch := make(chan Event, size)
	sub := &Subscription{C: ch, hub: h, jobID: jobID, ch: ch, quit: make(chan struct{})}

	finished := false
	for _, e := range past {
		ch <- e
		finished = finished || e.Final()
	}
	if finished {
		sub.once.Do(func() { close(ch) })
		return sub
	}

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub
}

// remove closes a registered subscription. One that is no longer
// registered was either closed already or is owned by deliverFinal.
func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.jobID][s]; ok {
		h.closeLocked(s)
	}
}

func (h *Hub) closeLocked(s *Subscription) {
	h.detachLocked(s)
	s.once.Do(func() { close(s.ch) })
}

func (h *Hub) detachLocked(s *Subscription) {
	if subs, ok := h.subs[s.jobID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.subs, s.jobID)
		}
	}
}

// History returns the retained events of jobID.
func (h *Hub) History(jobID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history[jobID]...)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}
