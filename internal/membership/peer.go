// Package membership implements the gossip-based peer table:
// peer records, reliability scoring, health checks, and eviction. The peer
// table is the single writer-locked structure shared between the gossip
// loop and the session coordinator; sessions address peers by node_id
// instead of holding direct references, avoiding cyclic ownership between
// the table and the sessions it tracks.
package membership

import (
	"net"
	"sync"
	"time"

	"peercrypt/internal/config"
)

// Key uniquely identifies a peer record.
type Key struct {
	NodeID  uint32
	Address string
	Port    int
}

// Peer is one membership record. Reliability is clamped to [0,1] after
// every update.
type Peer struct {
	Key

	LastSeen     time.Time
	SRTT         time.Duration
	FailureCount int
	Reliability  float64

	consecutivePings int  // consecutive PING failures
	unreachable      bool // 3 consecutive PING failures mark this true
}

// Unreachable reports whether the peer has failed three consecutive health
// checks. It remains in the table and keeps being gossiped
// until its reliability crosses the eviction floor.
func (p *Peer) Unreachable() bool { return p.unreachable }

// Table is the shared, lock-protected peer store.
type Table struct {
	mu    sync.RWMutex
	peers map[Key]*Peer
	cfg   config.Config
	clock func() time.Time
}

// NewTable builds an empty peer table under cfg. clock defaults to
// time.Now; tests may inject a deterministic clock.
func NewTable(cfg config.Config, clock func() time.Time) *Table {
	if clock == nil {
		clock = time.Now
	}
	return &Table{
		peers: make(map[Key]*Peer),
		cfg:   cfg,
		clock: clock,
	}
}

// Upsert creates a peer on first mention (gossip or explicit join) or
// refreshes last-seen on an existing one.
func (t *Table) Upsert(key Key) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		p = &Peer{Key: key, LastSeen: t.clock(), Reliability: 1.0}
		t.peers[key] = p
		return p
	}
	p.LastSeen = t.clock()
	return p
}

// SmoothRTT updates a peer's smoothed RTT estimate from a fresh sample;
// health checks feed it the round trip of each answered PING.
// It uses the same Jacobson-style exponential smoothing the AIMD
// congestion controller applies to SRTT, with the AIMD alpha (0.125), since
// membership has no separately specified smoothing constant.
func (t *Table) SmoothRTT(key Key, sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		return
	}
	if p.SRTT == 0 {
		p.SRTT = sample
		return
	}
	const alpha = 0.125
	p.SRTT = time.Duration((1-alpha)*float64(p.SRTT) + alpha*float64(sample))
}

// RecordSuccess applies the success branch of the reliability recursion
// after any successful peer
// interaction: gossip reply, health check, or transfer attempt.
func (t *Table) RecordSuccess(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		return
	}
	const alpha = 0.1
	p.Reliability = clamp01(p.Reliability + alpha*(1-p.Reliability))
	p.FailureCount = 0
	p.consecutivePings = 0
	p.unreachable = false
}

// RecordFailure applies the failure branch.
func (t *Table) RecordFailure(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		return
	}
	const beta = 0.2
	p.Reliability = clamp01(p.Reliability - beta*p.Reliability)
	p.FailureCount++
}

// RecordPingFailure tracks consecutive PING failures, marking the peer
// unreachable after the configured threshold (default 3) in addition to
// applying the ordinary reliability failure update.
func (t *Table) RecordPingFailure(key Key) {
	t.RecordFailure(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		return
	}
	p.consecutivePings++
	if p.consecutivePings >= t.cfg.PingFailuresToUnreachable {
		p.unreachable = true
	}
}

// RecordPingSuccess clears the consecutive-PING-failure streak without
// otherwise touching reliability bookkeeping beyond RecordSuccess's reset.
func (t *Table) RecordPingSuccess(key Key) {
	t.RecordSuccess(key)
}

func clamp01(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Snapshot returns a consistent, independently-owned copy of every peer
// record, for readers that must not hold the table lock while they work.
func (t *Table) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// Get returns a copy of one peer record, if known.
func (t *Table) Get(key Key) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[key]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Evict removes peers whose reliability has fallen below the configured
// floor AND whose last-seen timestamp exceeds the eviction horizon. Both conditions must hold; a low-reliability peer that was
// just seen stays, since it might still be recovering.
func (t *Table) Evict() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	var removed []Key
	for k, p := range t.peers {
		if p.Reliability < t.cfg.EvictionReliabilityFloor && now.Sub(p.LastSeen) > t.cfg.EvictionHorizon {
			delete(t.peers, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// SampleForGossip draws up to size peers, preferring the highest
// reliability and the most recent last-seen. The result is capped at maxSample regardless of table size.
func (t *Table) SampleForGossip(size, maxSample int) []Peer {
	all := t.Snapshot()
	sortByReliabilityThenRecency(all)
	if size > len(all) {
		size = len(all)
	}
	if size > maxSample {
		size = maxSample
	}
	return all[:size]
}

func sortByReliabilityThenRecency(peers []Peer) {
	// Simple insertion sort: gossip samples are small (bounded by
	// maxSample, default 32), so O(n^2) is cheaper than importing sort's
	// machinery for a slice this size and keeps the comparator inline.
	for i := 1; i < len(peers); i++ {
		j := i
		for j > 0 && less(peers[j], peers[j-1]) {
			peers[j], peers[j-1] = peers[j-1], peers[j]
			j--
		}
	}
}

func less(a, b Peer) bool {
	if a.Reliability != b.Reliability {
		return a.Reliability > b.Reliability
	}
	return a.LastSeen.After(b.LastSeen)
}

// ResolveUDPKey builds a Key from a UDP source address and the node_id
// carried in the gossip message body.
func ResolveUDPKey(nodeID uint32, addr *net.UDPAddr) Key {
	return Key{NodeID: nodeID, Address: addr.IP.String(), Port: addr.Port}
}
