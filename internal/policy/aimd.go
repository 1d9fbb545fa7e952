package policy

import (
	"math"
	"sync"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/transfer"
)

// rttAlpha and rttBeta are RFC 6298's smoothing constants.
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// AIMD implements additive-increase/multiplicative-decrease congestion
// control: RFC 6298 RTT estimation drives the retransmission
// timer, slow start and congestion avoidance grow the window, and triple
// duplicate ACKs or RTO expiry shrink it.
type AIMD struct {
	mu sync.Mutex

	cwnd      float64 // bytes
	ssthresh  float64 // bytes
	minWindow float64
	maxWindow float64
	mss       float64 // bytes, the configured AIMD segment size

	dupAckThreshold int
	dupAckCount     int
	inFastRecovery  bool
	recoverySeq     uint16

	timeoutEnabled bool
	dupAckEnabled  bool

	haveSample bool
	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	minRTO     time.Duration
	maxRTO     time.Duration
}

// NewAIMD builds an AIMD policy from config, starting in slow start with
// cwnd = initial window and ssthresh = max window.
func NewAIMD(cfg config.Config) *AIMD {
	return &AIMD{
		cwnd:            float64(cfg.AIMDWindow),
		ssthresh:        float64(cfg.AIMDMaxWindow),
		minWindow:       float64(cfg.AIMDMinWindow),
		maxWindow:       float64(cfg.AIMDMaxWindow),
		mss:             float64(cfg.AIMDMSS),
		dupAckThreshold: cfg.DupAckThreshold,
		timeoutEnabled:  cfg.TimeoutDetection,
		dupAckEnabled:   cfg.DupAckDetection,
		minRTO:          cfg.MinRTO,
		maxRTO:          cfg.MaxRTO,
		rto:             cfg.MaxRTO, // conservative until the first RTT sample arrives
	}
}

func (a *AIMD) Name() string { return "aimd" }

// CWnd reports the current congestion window in bytes, for tests asserting
// the window-bound and halving properties.
func (a *AIMD) CWnd() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cwnd
}

// SSThresh reports the current slow-start threshold in bytes.
func (a *AIMD) SSThresh() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ssthresh
}

// RTO reports the current retransmission timeout.
func (a *AIMD) RTO() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rto
}

func (a *AIMD) Allow(s *transfer.Session, chunkSize int, now time.Time) (bool, time.Duration) {
	a.mu.Lock()
	cwnd := a.cwnd
	a.mu.Unlock()
	windowChunks := math.Max(1, math.Floor(cwnd/float64(chunkSize)))
	if float64(s.OutstandingCount()) < windowChunks {
		return true, 0
	}
	return false, 0
}

func (a *AIMD) OnAck(s *transfer.Session, ackSeq uint16, timestampEchoMS uint32, sawTimestamp bool, now time.Time) []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, haveLast := s.LastAck()
	duplicate := haveLast && ackSeq == last

	if duplicate {
		if !a.dupAckEnabled {
			return nil
		}
		a.dupAckCount++
		if a.dupAckCount < a.dupAckThreshold {
			return nil
		}
		a.dupAckCount = 0
		if a.inFastRecovery && a.recoverySeq == ackSeq {
			// already reacted to this round of duplicates
			return nil
		}
		a.inFastRecovery = true
		a.recoverySeq = ackSeq
		a.ssthresh = math.Max(a.cwnd/2, a.minWindow)
		a.cwnd = roundToGrid(a.ssthresh, a.mss, a.minWindow)
		a.ssthresh = a.cwnd
		if seq, ok := s.LowestOutstanding(); ok {
			return []uint16{seq}
		}
		return nil
	}

	if haveLast && !seqGreater16(ackSeq, last) {
		// stale ACK, neither new nor an exact duplicate of last_ack
		return nil
	}

	a.dupAckCount = 0
	if a.inFastRecovery && seqGreater16(ackSeq, a.recoverySeq) {
		a.inFastRecovery = false
	}
	s.SetLastAck(ackSeq)
	sentAt, hadExact, _ := s.AcknowledgeCumulative(ackSeq)

	if sawTimestamp && hadExact {
		a.sampleRTT(now.Sub(sentAt))
	}

	if a.cwnd < a.ssthresh {
		a.cwnd = math.Min(a.cwnd+a.mss, a.maxWindow) // slow start
	} else {
		a.cwnd = math.Min(a.cwnd+(a.mss*a.mss)/a.cwnd, a.maxWindow) // congestion avoidance
	}
	return nil
}

func (a *AIMD) CheckTimeouts(s *transfer.Session, now time.Time) []uint16 {
	if !a.timeoutEnabled {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	seq, sentAt, ok := s.OldestOutstanding()
	if !ok || now.Sub(sentAt) <= a.rto {
		return nil
	}

	a.ssthresh = math.Max(a.cwnd/2, a.minWindow)
	a.cwnd = a.minWindow
	a.rto = time.Duration(math.Min(float64(2*a.rto), float64(a.maxRTO)))
	return []uint16{seq}
}

// sampleRTT folds a new RTT measurement into SRTT/RTTVAR/RTO per RFC 6298.
func (a *AIMD) sampleRTT(m time.Duration) {
	if m < 0 {
		return
	}
	if !a.haveSample {
		a.srtt = m
		a.rttvar = m / 2
		a.haveSample = true
	} else {
		diff := a.srtt - m
		if diff < 0 {
			diff = -diff
		}
		a.rttvar = time.Duration((1-rttBeta)*float64(a.rttvar) + rttBeta*float64(diff))
		a.srtt = time.Duration((1-rttAlpha)*float64(a.srtt) + rttAlpha*float64(m))
	}
	rto := a.srtt + 4*a.rttvar
	if rto < a.minRTO {
		rto = a.minRTO
	}
	if rto > a.maxRTO {
		rto = a.maxRTO
	}
	a.rto = rto
}

// roundToGrid rounds v down to the nearest multiple of grid, floored at
// floor — scenario S2 expects the post-fast-retransmit window to
// land on a whole-chunk boundary rather than a fractional byte count.
func roundToGrid(v, grid, floor float64) float64 {
	if grid <= 0 {
		return math.Max(v, floor)
	}
	rounded := math.Floor(v/grid) * grid
	return math.Max(rounded, floor)
}

func seqGreater16(a, b uint16) bool {
	return int16(a-b) > 0
}
