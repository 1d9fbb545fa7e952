package policy

import (
	"context"
	"errors"
	"testing"
)

func TestRunMulticastReportsPerEndpointOutcomes(t *testing.T) {
	endpoints := []Endpoint{
		{Label: "a", Address: "10.0.0.1:9000"},
		{Label: "b", Address: "10.0.0.2:9000"},
		{Label: "c", Address: "10.0.0.3:9000"},
	}
	results := RunMulticast(context.Background(), endpoints, func(ctx context.Context, ep Endpoint) error {
		if ep.Label == "b" {
			return errors.New("unreachable")
		}
		return nil
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(results))
	}
	for _, o := range results {
		if o.Label == "b" && o.Err == nil {
			t.Fatal("expected endpoint b to report its failure")
		}
		if o.Label != "b" && o.Err != nil {
			t.Fatalf("endpoint %s should not be affected by b's failure", o.Label)
		}
	}
}

func TestAggregateProgressGatedBySlowest(t *testing.T) {
	p := NewAggregateProgress()
	p.Report("fast", 64*1024)
	p.Report("slow", 10*1024)
	p.Report("medium", 32*1024)
	if got := p.Slowest(); got != 10*1024 {
		t.Fatalf("Slowest() = %d, want 10240 (the slow endpoint's offset)", got)
	}
}

func TestAggregateProgressEmptyIsZero(t *testing.T) {
	p := NewAggregateProgress()
	if got := p.Slowest(); got != 0 {
		t.Fatalf("Slowest() on empty tracker = %d, want 0", got)
	}
}
