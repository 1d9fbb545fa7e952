// Package policy implements PeerCrypt's six transmission strategies:
// normal, token-bucket, AIMD, QoS, parallel, and multicast. All
// per-session policies share one send-step contract so the session
// coordinator can drive any of them through the same loop.
package policy

import (
	"time"

	"peercrypt/internal/transfer"
)

// Policy governs one session's chunk pacing and congestion response.
// Parallel and multicast are not single-session policies — they fan a
// transfer out across several sessions, each still driven by one of these
// per-session policies (normal, token-bucket, or AIMD) — see parallel.go
// and multicast.go.
type Policy interface {
	Name() string

	// Allow reports whether the next chunk (of chunkSize bytes) may be
	// sent right now. If not, wait is how long the coordinator should
	// sleep before asking again; a zero wait with ok=false means "block
	// until the next ACK arrives" (the window/bucket has no room and no
	// timer will change that).
	Allow(s *transfer.Session, chunkSize int, now time.Time) (ok bool, wait time.Duration)

	// OnAck folds in a new cumulative ACK (ackSeq) and, if the ACK frame
	// carried a timestamp echo, an RTT sample. Returns sequence numbers
	// that must be retransmitted immediately (fast retransmit).
	OnAck(s *transfer.Session, ackSeq uint16, timestampEchoMS uint32, sawTimestamp bool, now time.Time) (retransmit []uint16)

	// CheckTimeouts scans outstanding sends for RTO expiry, returning
	// sequence numbers to retransmit.
	CheckTimeouts(s *transfer.Session, now time.Time) (retransmit []uint16)
}

// Outcome is the final result object for a policy/session pairing, used by
// parallel and multicast to report per-worker/per-endpoint results.
type Outcome struct {
	Label string // "worker-N" or the endpoint's Label, for reporting
	Err   error
}
