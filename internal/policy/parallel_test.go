package policy

import (
	"context"
	"errors"
	"testing"
)

func TestSplitRangesCoversAllChunksWithoutOverlap(t *testing.T) {
	ranges := SplitRanges(17, 4)
	if len(ranges) != 4 {
		t.Fatalf("expected 4 ranges, got %d", len(ranges))
	}
	covered := 0
	for i, r := range ranges {
		if r.Start != covered {
			t.Fatalf("range %d starts at %d, want %d (no gaps/overlap)", i, r.Start, covered)
		}
		covered = r.End
	}
	if covered != 17 {
		t.Fatalf("ranges cover up to %d, want 17", covered)
	}
}

func TestSplitRangesNeverExceedsChunkCount(t *testing.T) {
	ranges := SplitRanges(2, 4)
	if len(ranges) != 2 {
		t.Fatalf("expected ranges clamped to 2 when fewer chunks than workers, got %d", len(ranges))
	}
}

func TestRunParallelIsolatesWorkerFailure(t *testing.T) {
	results := RunParallel(context.Background(), 100, 4, func(ctx context.Context, w RangeWorker) error {
		if w.Index == 2 {
			return errors.New("simulated worker failure")
		}
		return nil
	})
	if len(results) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(results))
	}
	if AllCompleted(results) {
		t.Fatal("expected AllCompleted to be false when one worker failed")
	}
	failures := 0
	for _, o := range results {
		if o.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly 1 failed outcome, got %d", failures)
	}
}

func TestRunParallelAllCompletedWhenNoFailures(t *testing.T) {
	results := RunParallel(context.Background(), 40, 4, func(ctx context.Context, w RangeWorker) error {
		return nil
	})
	if !AllCompleted(results) {
		t.Fatal("expected AllCompleted to be true")
	}
}
