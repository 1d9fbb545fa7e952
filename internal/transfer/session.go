package transfer

import (
	"sync"
	"time"
)

// ID keys a transfer session.
type ID struct {
	LocalID        uint32
	RemoteEndpoint string
	Nonce          uint64
}

// FileMeta describes the file a session is moving.
type FileMeta struct {
	Name        string
	TotalLength int64
	ChunkSize   int
	Checksum    [32]byte // file-level SHA-256 carried in INIT; OpenSource leaves it zero, and the receiver verifies against the checksum in the FIN payload
}

// ChunkCount returns how many chunks the file splits into under
// ChunkSize. A zero-length file
// still counts as one (empty) chunk so FIN has something to follow.
func (m FileMeta) ChunkCount() int {
	if m.TotalLength == 0 {
		return 1
	}
	n := m.TotalLength / int64(m.ChunkSize)
	if m.TotalLength%int64(m.ChunkSize) != 0 {
		n++
	}
	return int(n)
}

// ChunkRange returns the half-open byte range [start, end) chunk i covers:
// "chunk i covers bytes [i·size, min((i+1)·size, filelen))".
func (m FileMeta) ChunkRange(i int) (start, end int64) {
	start = int64(i) * int64(m.ChunkSize)
	end = start + int64(m.ChunkSize)
	if end > m.TotalLength {
		end = m.TotalLength
	}
	return start, end
}

// Session is the mutable per-transfer record the coordinator owns
// exclusively; policies and the receiver mutate it only through the
// operations below.
type Session struct {
	ID      ID
	Machine *StateMachine
	Meta    FileMeta

	mu sync.Mutex

	nextSeq      uint16          // sender: next sequence number to assign
	nextExpected uint16          // receiver: next contiguous sequence expected
	outstanding  map[uint16]time.Time
	lastAcked    bool // whether lastAckedSeq has been set at least once
	lastAckedSeq uint16
}

// NewSession builds a session starting in IDLE with empty bookkeeping.
func NewSession(id ID, meta FileMeta) *Session {
	return &Session{
		ID:          id,
		Machine:     NewStateMachine(nil),
		Meta:        meta,
		outstanding: make(map[uint16]time.Time),
	}
}

// NextSequence returns and then increments the sender's next sequence
// number (wraps at 65536).
func (s *Session) NextSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

// RegisterSent records that seq was sent at t, adding it to the
// outstanding-ACK set.
func (s *Session) RegisterSent(seq uint16, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding[seq] = t
}

// Acknowledge removes seq from the outstanding set if present, returning
// its send time for RTT sampling.
func (s *Session) Acknowledge(seq uint16) (sentAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sentAt, ok = s.outstanding[seq]
	if ok {
		delete(s.outstanding, seq)
	}
	return sentAt, ok
}

// AcknowledgeCumulative removes every outstanding entry whose sequence is
// less than or equal to ackSeq (wrap-aware), matching cumulative-ACK
// semantics. It reports the send time recorded for
// ackSeq itself, if that exact sequence was outstanding, so callers can use
// hadExact to decide whether to feed an RTT sample. A retransmitted
// sequence's recorded time is that of its latest send.
func (s *Session) AcknowledgeCumulative(ackSeq uint16) (sentAt time.Time, hadExact bool, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, t := range s.outstanding {
		if seqLessOrEqual(seq, ackSeq) {
			if seq == ackSeq {
				sentAt = t
				hadExact = true
			}
			delete(s.outstanding, seq)
			removed++
		}
	}
	return sentAt, hadExact, removed
}

func seqLessOrEqual(a, b uint16) bool {
	return a == b || seqLess(a, b)
}

// seqGreater is the wrap-aware strict greater-than test.
func seqGreater(a, b uint16) bool {
	return seqLess(b, a)
}

// OldestOutstanding returns the outstanding sequence number with the
// earliest send time, for RTO timeout checks.
func (s *Session) OldestOutstanding() (seq uint16, sentAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := true
	for k, t := range s.outstanding {
		if first || t.Before(sentAt) {
			seq, sentAt = k, t
			first = false
		}
	}
	return seq, sentAt, !first
}

// OutstandingCount returns the current size of the outstanding-ACK set,
// used to enforce invariant (d): |outstanding| ≤ cwnd/chunk_size.
func (s *Session) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// LowestOutstanding returns the smallest un-ACKed sequence number, for
// fast-retransmit / RTO retransmission.
func (s *Session) LowestOutstanding() (seq uint16, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := true
	for k := range s.outstanding {
		if first || seqLess(k, seq) {
			seq = k
			first = false
		}
	}
	return seq, !first
}

// seqLess compares two 16-bit wrapping sequence numbers using the usual
// half-range trick so comparisons stay correct across a wraparound.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqLess is the exported, wrap-aware "a < b" test for 16-bit sequence
// numbers, for collaborators outside this package (e.g. the receiver) that
// need to order sequences the same way the session does.
func SeqLess(a, b uint16) bool {
	return seqLess(a, b)
}

// AdvanceNextExpected advances the receiver's next-expected sequence if seq
// matches it exactly, preserving the strict-monotonicity invariant. Returns whether it advanced.
func (s *Session) AdvanceNextExpected(seq uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.nextExpected {
		return false
	}
	s.nextExpected++
	return true
}

// NextExpected returns the receiver's current next-expected sequence.
func (s *Session) NextExpected() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextExpected
}

// SetLastAck records the highest cumulative sequence number ACKed so far,
// for duplicate-ACK detection on the sender.
func (s *Session) SetLastAck(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAckedSeq = seq
	s.lastAcked = true
}

// LastAck returns the last cumulative ACK seen and whether one has arrived yet.
func (s *Session) LastAck() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckedSeq, s.lastAcked
}
