package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}

func TestValidateRejectsBadAIMDWindowBounds(t *testing.T) {
	cfg := Default()
	cfg.AIMDMinWindow = 8 * 1024
	cfg.AIMDMaxWindow = 4 * 1024
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max window below min window")
	}
}

func TestValidateRejectsInitialWindowOutsideBounds(t *testing.T) {
	cfg := Default()
	cfg.AIMDWindow = cfg.AIMDMaxWindow + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for initial window above max")
	}
}

func TestValidateRejectsNonPositiveChunkSize(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestValidateRejectsNonPositiveTokenBucketParams(t *testing.T) {
	cfg := Default()
	cfg.TokenBucketCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero token bucket capacity")
	}

	cfg = Default()
	cfg.TokenBucketRate = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative token bucket rate")
	}
}

func TestValidateRejectsReliabilityFloorOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.EvictionReliabilityFloor = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reliability floor above 1")
	}
}

func TestValidateRejectsNonPositiveParallelThreads(t *testing.T) {
	cfg := Default()
	cfg.ParallelThreads = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero parallel threads")
	}
}
