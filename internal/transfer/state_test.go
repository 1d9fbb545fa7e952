package transfer

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	var seen []State
	m := NewStateMachine(func(s State) { seen = append(seen, s) })

	steps := []struct {
		event Event
		want  State
	}{
		{EventInitiateSend, Connecting},
		{EventAckOfInit, Transfer},
		{EventLastChunkAcked, Validating},
		{EventValidationSuccess, Completed},
	}
	for _, step := range steps {
		if err := m.Fire(step.event); err != nil {
			t.Fatalf("Fire(%s): %v", step.event, err)
		}
		if m.Current() != step.want {
			t.Fatalf("after %s: got %s, want %s", step.event, m.Current(), step.want)
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 onEnter callbacks, got %d", len(seen))
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewStateMachine(nil)
	if err := m.Fire(EventLastChunkAcked); err == nil {
		t.Fatal("expected rejection of last_chunk_acked from IDLE")
	}
	if m.Current() != Idle {
		t.Fatalf("state should not have moved, got %s", m.Current())
	}
}

func TestErrorCanRetryBackToConnecting(t *testing.T) {
	m := NewStateMachine(nil)
	must := func(e Event) {
		t.Helper()
		if err := m.Fire(e); err != nil {
			t.Fatalf("Fire(%s): %v", e, err)
		}
	}
	must(EventInitiateSend)
	must(EventConnectTimeout)
	if m.Current() != Error {
		t.Fatalf("expected ERROR, got %s", m.Current())
	}
	must(EventRetry)
	if m.Current() != Connecting {
		t.Fatalf("expected CONNECTING after retry, got %s", m.Current())
	}
}

func TestCompletedCanStartNewTransfer(t *testing.T) {
	m := NewStateMachine(nil)
	for _, e := range []Event{EventInitiateSend, EventAckOfInit, EventLastChunkAcked, EventValidationSuccess} {
		if err := m.Fire(e); err != nil {
			t.Fatalf("Fire(%s): %v", e, err)
		}
	}
	if err := m.Fire(EventNewTransfer); err != nil {
		t.Fatalf("Fire(new_transfer): %v", err)
	}
	if m.Current() != Connecting {
		t.Fatalf("expected CONNECTING, got %s", m.Current())
	}
}
