package membership

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/frame"
	"peercrypt/internal/perr"
)

// deliverPong wakes any pending Ping waiting on this (node, nonce) pair. A
// PONG whose nonce doesn't match a currently-pending PING — stale, replayed,
// or simply unsolicited — has no waiter to find and is silently dropped,
// which is the replay guard against a delayed duplicate PONG.
func (g *Gossiper) deliverPong(key Key, nonce uint32) {
	pk := pongKey{node: key.NodeID, nonce: nonce}
	g.pongWaitersMu.Lock()
	ch, ok := g.pongWaiters[pk]
	g.pongWaitersMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// HealthChecker drives PING/PONG health checks over an
// already-started Gossiper's socket.
type HealthChecker struct {
	g      *Gossiper
	table  *Table
	cfg    config.Config
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHealthChecker builds a checker bound to g's socket and table.
func NewHealthChecker(g *Gossiper, table *Table, cfg config.Config, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{g: g, table: table, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Ping sends one PING to key and blocks until the matching PONG arrives,
// the deadline (3·SRTT, never less than the 2s floor, and the floor itself
// when SRTT is undefined) elapses, or ctx is cancelled. The PING→PONG
// round trip of a successful check is folded into the peer's SRTT.
func (h *HealthChecker) Ping(ctx context.Context, key Key) error {
	nonce := uint32(time.Now().UnixNano())
	waitCh := make(chan struct{}, 1)
	pk := pongKey{node: key.NodeID, nonce: nonce}

	h.g.pongWaitersMu.Lock()
	h.g.pongWaiters[pk] = waitCh
	h.g.pongWaitersMu.Unlock()
	defer func() {
		h.g.pongWaitersMu.Lock()
		delete(h.g.pongWaiters, pk)
		h.g.pongWaitersMu.Unlock()
	}()

	msg := &frame.GossipMessage{
		Version:      frame.CurrentVersion,
		Type:         frame.GossipPing,
		SourceNodeID: h.g.self.NodeID,
		TimestampMS:  nonce,
	}
	wire, err := frame.EncodeGossip(msg)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(key.Address), Port: key.Port}
	sentAt := time.Now()
	if _, err := h.g.conn.WriteTo(wire, dst); err != nil {
		h.table.RecordPingFailure(key)
		return err
	}

	timer := time.NewTimer(h.timeoutFor(key))
	defer timer.Stop()
	select {
	case <-waitCh:
		h.table.SmoothRTT(key, time.Since(sentAt))
		h.table.RecordPingSuccess(key)
		return nil
	case <-timer.C:
		h.table.RecordPingFailure(key)
		return perr.ErrPeerUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HealthChecker) timeoutFor(key Key) time.Duration {
	p, ok := h.table.Get(key)
	if !ok || p.SRTT == 0 {
		return h.cfg.HealthCheckFloor
	}
	d := 3 * p.SRTT
	if d < h.cfg.HealthCheckFloor {
		return h.cfg.HealthCheckFloor
	}
	return d
}

// Start launches the periodic health-check loop, pinging every known peer
// once per health_check_interval.
func (h *HealthChecker) Start() {
	h.wg.Add(1)
	go h.loop()
}

func (h *HealthChecker) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *HealthChecker) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkAll()
		}
	}
}

func (h *HealthChecker) checkAll() {
	for _, p := range h.table.Snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeoutFor(p.Key))
		if err := h.Ping(ctx, p.Key); err != nil {
			h.logger.Debug("health check failed", "node_id", p.NodeID, "err", err)
		}
		cancel()
	}
}

// Backoff implements the exponential connection-retry schedule.
type Backoff struct {
	cfg     config.Config
	attempt int
}

// NewBackoff builds a Backoff using cfg's initial delay, multiplier, and
// max_retries ceiling.
func NewBackoff(cfg config.Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt and whether the retry
// budget (max_retries) is already exhausted.
func (b *Backoff) Next() (delay time.Duration, exhausted bool) {
	if b.attempt >= b.cfg.MaxRetries {
		return 0, true
	}
	delay = b.cfg.BackoffInitial
	for i := 0; i < b.attempt; i++ {
		delay = time.Duration(float64(delay) * b.cfg.BackoffMultiplier)
	}
	b.attempt++
	return delay, false
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }
