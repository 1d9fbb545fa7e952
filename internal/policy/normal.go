package policy

import (
	"time"

	"peercrypt/internal/transfer"
)

// Normal streams chunks back-to-back with no pacing and no congestion
// response, bounded only by a fixed sliding window of outstanding ACKs
//. A stalled session (no new ACK ever arriving) is not
// retried here — the session coordinator's generic stall watchdog is what
// eventually drives it to ERROR, the same mechanism the "both congestion
// detectors disabled" AIMD degenerate case uses.
type Normal struct {
	Window int // default 8
}

// NewNormal builds a Normal policy with the given outstanding-ACK window.
func NewNormal(window int) *Normal {
	if window <= 0 {
		window = 8
	}
	return &Normal{Window: window}
}

func (n *Normal) Name() string { return "normal" }

func (n *Normal) Allow(s *transfer.Session, chunkSize int, now time.Time) (bool, time.Duration) {
	if s.OutstandingCount() >= n.Window {
		return false, 0
	}
	return true, 0
}

func (n *Normal) OnAck(s *transfer.Session, ackSeq uint16, timestampEchoMS uint32, sawTimestamp bool, now time.Time) []uint16 {
	s.SetLastAck(ackSeq)
	s.AcknowledgeCumulative(ackSeq)
	return nil
}

func (n *Normal) CheckTimeouts(s *transfer.Session, now time.Time) []uint16 {
	return nil
}
