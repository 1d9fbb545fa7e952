package policy

import (
	"context"
	"sync"
)

// Endpoint is one multicast destination.
type Endpoint struct {
	Label   string
	Address string
}

// EndpointRun drives one endpoint's independent unicast sub-session, sharing
// the encryption key and chunk iterator with its siblings, to completion or
// failure.
type EndpointRun func(ctx context.Context, ep Endpoint) error

// RunMulticast fans a transfer out to every endpoint concurrently. A failure
// on one endpoint does not cancel the others.
func RunMulticast(ctx context.Context, endpoints []Endpoint, run EndpointRun) []Outcome {
	results := make([]Outcome, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			err := run(ctx, ep)
			results[i] = Outcome{Label: ep.Label, Err: err}
		}(i, ep)
	}
	wg.Wait()
	return results
}

// AggregateProgress tracks each endpoint's cumulative acknowledged byte
// offset so overall progress can be gated by the slowest sub-session:
// aggregate progress only advances once every endpoint has ACKed up to it.
type AggregateProgress struct {
	mu    sync.Mutex
	acked map[string]int64
}

// NewAggregateProgress builds an empty tracker.
func NewAggregateProgress() *AggregateProgress {
	return &AggregateProgress{acked: make(map[string]int64)}
}

// Report records label's latest cumulative ACKed byte offset.
func (p *AggregateProgress) Report(label string, ackedBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked[label] = ackedBytes
}

// Slowest returns the minimum reported offset across every known endpoint,
// i.e. the aggregate progress of the whole multicast transfer.
func (p *AggregateProgress) Slowest() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	min := int64(-1)
	for _, v := range p.acked {
		if min == -1 || v < min {
			min = v
		}
	}
	if min == -1 {
		return 0
	}
	return min
}
