package policy

import (
	"sync"

	"peercrypt/internal/transfer"
)

// Priority is a session's fixed scheduling class. It is set at
// session initiation and never changes.
type Priority int

const (
	PriorityNormal  Priority = 1
	PriorityHigh    Priority = 2
	PriorityHighest Priority = 3
)

// DefaultWeights is the spec's default weight ratio, 1:2:3.
var DefaultWeights = map[Priority]int{
	PriorityNormal:  1,
	PriorityHigh:    2,
	PriorityHighest: 3,
}

// QoSScheduler allocates send opportunities across sessions sharing one
// process proportionally to priority weight, FIFO within a level. It is a
// cross-session scheduler, not a per-session Policy: each scheduled
// session is still driven by its own normal/token-bucket/AIMD policy once
// granted a turn.
type QoSScheduler struct {
	mu      sync.Mutex
	weights map[Priority]int
	queues  map[Priority][]*transfer.Session
	credit  map[Priority]int
	order   []Priority
}

// NewQoSScheduler builds a scheduler with the given weights, falling back to
// DefaultWeights when nil.
func NewQoSScheduler(weights map[Priority]int) *QoSScheduler {
	if weights == nil {
		weights = DefaultWeights
	}
	return &QoSScheduler{
		weights: weights,
		queues:  make(map[Priority][]*transfer.Session),
		credit:  make(map[Priority]int),
		order:   []Priority{PriorityHighest, PriorityHigh, PriorityNormal},
	}
}

// Enqueue admits a session at the back of its priority level's FIFO queue.
func (q *QoSScheduler) Enqueue(p Priority, s *transfer.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[p] = append(q.queues[p], s)
}

// Remove drops a session from its queue, e.g. once its transfer completes.
func (q *QoSScheduler) Remove(p Priority, s *transfer.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[p]
	for i, cand := range queue {
		if cand == s {
			q.queues[p] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

// Next grants the next send opportunity via weighted round robin: every
// nonempty level accrues credit equal to its weight each call, the
// highest-credit level is served, and its weight total is deducted back —
// the classic interleaved-WRR scheme. The served session moves to the back
// of its own queue so siblings at the same level get their turn.
func (q *QoSScheduler) Next() (*transfer.Session, Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := Priority(-1)
	bestCredit := -1
	for _, p := range q.order {
		if len(q.queues[p]) == 0 {
			continue
		}
		q.credit[p] += q.weights[p]
		if q.credit[p] > bestCredit {
			bestCredit = q.credit[p]
			best = p
		}
	}
	if best == -1 {
		return nil, 0, false
	}

	queue := q.queues[best]
	s := queue[0]
	rest := append([]*transfer.Session{}, queue[1:]...)
	q.queues[best] = append(rest, s)
	q.credit[best] -= q.totalWeightLocked()
	return s, best, true
}

func (q *QoSScheduler) totalWeightLocked() int {
	total := 0
	for _, p := range q.order {
		if len(q.queues[p]) > 0 {
			total += q.weights[p]
		}
	}
	return total
}
