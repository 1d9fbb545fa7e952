package membership

import (
	"testing"
	"time"

	"peercrypt/internal/config"
)

func newTestTable(clock func() time.Time) *Table {
	cfg := config.Default()
	return NewTable(cfg, clock)
}

func TestReliabilityClampStaysInBounds(t *testing.T) {
	table := newTestTable(nil)
	key := Key{NodeID: 1, Address: "10.0.0.1", Port: 9900}
	table.Upsert(key)

	for i := 0; i < 100; i++ {
		table.RecordSuccess(key)
	}
	p, _ := table.Get(key)
	if p.Reliability > 1.0 || p.Reliability < 0 {
		t.Fatalf("reliability out of bounds after successes: %f", p.Reliability)
	}

	for i := 0; i < 100; i++ {
		table.RecordFailure(key)
	}
	p, _ = table.Get(key)
	if p.Reliability > 1.0 || p.Reliability < 0 {
		t.Fatalf("reliability out of bounds after failures: %f", p.Reliability)
	}
}

// TestGossipReliabilityDecayCurve mirrors scenario S6: starting from R=1.0,
// five consecutive PING failures should land at R ≈ 0.8^5 ≈ 0.328, still
// above the 0.1 eviction floor; a sixth failure brings it to ≈ 0.262.
func TestGossipReliabilityDecayCurve(t *testing.T) {
	table := newTestTable(nil)
	key := Key{NodeID: 2, Address: "10.0.0.2", Port: 9900}
	table.Upsert(key)

	for i := 0; i < 5; i++ {
		table.RecordFailure(key)
	}
	p, _ := table.Get(key)
	want := 0.8 * 0.8 * 0.8 * 0.8 * 0.8
	if diff := p.Reliability - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("after 5 failures: got %f, want %f", p.Reliability, want)
	}
	if p.Reliability <= 0.1 {
		t.Fatalf("peer should not yet be below eviction floor: %f", p.Reliability)
	}

	table.RecordFailure(key)
	p, _ = table.Get(key)
	want *= 0.8
	if diff := p.Reliability - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("after 6 failures: got %f, want %f", p.Reliability, want)
	}
}

func TestRecordPingFailureMarksUnreachableAfterThreshold(t *testing.T) {
	table := newTestTable(nil)
	key := Key{NodeID: 3, Address: "10.0.0.3", Port: 9900}
	table.Upsert(key)

	for i := 0; i < 2; i++ {
		table.RecordPingFailure(key)
	}
	p, _ := table.Get(key)
	if p.Unreachable() {
		t.Fatal("should not be unreachable after only 2 failures")
	}

	table.RecordPingFailure(key)
	p, _ = table.Get(key)
	if !p.Unreachable() {
		t.Fatal("expected unreachable after 3 consecutive ping failures")
	}
}

func TestEvictRequiresBothLowReliabilityAndStaleness(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	table := newTestTable(clock)
	cfg := table.cfg

	stale := Key{NodeID: 4, Address: "10.0.0.4", Port: 9900}
	table.Upsert(stale)
	for i := 0; i < 20; i++ {
		table.RecordFailure(stale) // drive reliability under the floor
	}
	now = now.Add(cfg.EvictionHorizon + time.Second)

	fresh := Key{NodeID: 5, Address: "10.0.0.5", Port: 9900}
	table.Upsert(fresh) // seen "now", so not stale even though reliability starts at 1.0

	removed := table.Evict()
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("expected only the stale low-reliability peer evicted, got %+v", removed)
	}
	if _, ok := table.Get(fresh); !ok {
		t.Fatal("fresh peer should not have been evicted")
	}
}

func TestSampleForGossipPrefersReliabilityAndRecency(t *testing.T) {
	table := newTestTable(nil)
	low := Key{NodeID: 6, Address: "10.0.0.6", Port: 1}
	high := Key{NodeID: 7, Address: "10.0.0.7", Port: 1}
	table.Upsert(low)
	table.Upsert(high)
	table.RecordFailure(low) // drop its reliability below high's 1.0

	sample := table.SampleForGossip(1, 32)
	if len(sample) != 1 || sample[0].Key != high {
		t.Fatalf("expected the higher-reliability peer first, got %+v", sample)
	}
}
