package transfer

import (
	"testing"
	"time"
)

func TestSequenceMonotonicityOnReceiver(t *testing.T) {
	s := NewSession(ID{}, FileMeta{TotalLength: 1024, ChunkSize: 256})
	if !s.AdvanceNextExpected(0) {
		t.Fatal("expected advance to seq 0")
	}
	if s.AdvanceNextExpected(0) {
		t.Fatal("duplicate seq 0 must not advance again")
	}
	if s.AdvanceNextExpected(2) {
		t.Fatal("out-of-order seq 2 must not advance next_expected")
	}
	if !s.AdvanceNextExpected(1) {
		t.Fatal("expected advance to seq 1")
	}
	if got := s.NextExpected(); got != 2 {
		t.Fatalf("next_expected = %d, want 2", got)
	}
}

func TestOutstandingAckBookkeeping(t *testing.T) {
	s := NewSession(ID{}, FileMeta{})
	now := time.Now()
	s.RegisterSent(5, now)
	s.RegisterSent(6, now.Add(time.Millisecond))
	if s.OutstandingCount() != 2 {
		t.Fatalf("expected 2 outstanding, got %d", s.OutstandingCount())
	}
	sentAt, ok := s.Acknowledge(5)
	if !ok || !sentAt.Equal(now) {
		t.Fatalf("Acknowledge(5) = %v, %v", sentAt, ok)
	}
	if s.OutstandingCount() != 1 {
		t.Fatalf("expected 1 outstanding after ack, got %d", s.OutstandingCount())
	}
	if _, ok := s.Acknowledge(5); ok {
		t.Fatal("re-acknowledging 5 should report not-found")
	}
}

func TestLowestOutstandingAcrossWraparound(t *testing.T) {
	s := NewSession(ID{}, FileMeta{})
	now := time.Now()
	s.RegisterSent(65534, now)
	s.RegisterSent(0, now)
	s.RegisterSent(1, now)
	seq, ok := s.LowestOutstanding()
	if !ok || seq != 65534 {
		t.Fatalf("LowestOutstanding = %d, %v; want 65534", seq, ok)
	}
}

func TestChunkCountAndRanges(t *testing.T) {
	meta := FileMeta{TotalLength: 1000, ChunkSize: 256}
	if n := meta.ChunkCount(); n != 4 {
		t.Fatalf("ChunkCount = %d, want 4", n)
	}
	start, end := meta.ChunkRange(3)
	if start != 768 || end != 1000 {
		t.Fatalf("ChunkRange(3) = [%d, %d), want [768, 1000)", start, end)
	}
}

func TestEmptyFileHasOneChunk(t *testing.T) {
	meta := FileMeta{TotalLength: 0, ChunkSize: 256}
	if n := meta.ChunkCount(); n != 1 {
		t.Fatalf("ChunkCount for empty file = %d, want 1", n)
	}
	start, end := meta.ChunkRange(0)
	if start != 0 || end != 0 {
		t.Fatalf("ChunkRange(0) for empty file = [%d, %d), want [0, 0)", start, end)
	}
}
