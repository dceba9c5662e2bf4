package irc

import (
	"errors"
	"time"
)

// ErrQueueSaturated is returned by Enqueue when the bounded queue is full.
// The caller decides whether to drop or retry; Enqueue never blocks.
var ErrQueueSaturated = errors.New("outbound queue saturated")

// Outbound is one raw line waiting for the wire. Target is the message's
// destination for rate accounting ("" for lines with no destination, e.g.
// JOIN). Never mutated after creation.
type Outbound struct {
	Target     string
	Line       string
	EnqueuedAt time.Time
}

// Queue is the bounded outbound buffer. One Queue outlives any number of
// connections: it is created once by the bot and handed to every new
// connection, so messages enqueued while disconnected are delivered after
// the next successful handshake.
type Queue struct {
	ch chan Outbound
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Outbound, size)}
}

// Enqueue adds a message, failing fast with ErrQueueSaturated when full.
func (q *Queue) Enqueue(m Outbound) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrQueueSaturated
	}
}

// C exposes the drain side. Only one drain loop may consume at a time.
func (q *Queue) C() <-chan Outbound { return q.ch }

// Requeue puts undelivered messages back ahead of whatever is currently
// queued. Called by a dying drain loop, so there is no competing consumer;
// a concurrent Enqueue may interleave behind the restored messages.
// Returns how many messages no longer fit.
func (q *Queue) Requeue(items []Outbound) int {
	if len(items) == 0 {
		return 0
	}
	backlog := make([]Outbound, 0, len(q.ch))
drain:
	for {
		select {
		case m := <-q.ch:
			backlog = append(backlog, m)
		default:
			break drain
		}
	}
	dropped := 0
	for _, m := range append(items, backlog...) {
		select {
		case q.ch <- m:
		default:
			dropped++
		}
	}
	return dropped
}

// Len reports the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
