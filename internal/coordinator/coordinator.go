// Package coordinator binds one transmission policy to one transfer session
// and drives its frame I/O: reading frames off the transport and
// dispatching them to the state machine, asking the policy for the next
// send decision, and managing the retransmission timer. It also owns
// cancellation and the generic stall watchdog — the mechanism behind both
// Normal's "no congestion response beyond terminal ERROR on timeout" and
// AIMD's both-detectors-disabled degenerate case, so neither policy has to
// implement its own fatal-stall logic.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/crypto"
	"peercrypt/internal/frame"
	"peercrypt/internal/perr"
	"peercrypt/internal/policy"
	"peercrypt/internal/transfer"
)

// maxFrameSize bounds the receive buffer the frame codec decodes against;
// header plus the largest possible payload.
const maxFrameSize = frame.HeaderSize + frame.MaxPayloadSize

// Stats accumulates one session's transfer statistics. This is an observer
// capability injected into the coordinator, replacing a process-wide
// mutable counter: the external CLI collaborator subscribes by polling
// Snapshot rather than reading a global.
type Stats struct {
	ChunksSent          int
	ChunksRetransmitted int
	BytesSent           int64
	AcksReceived        int
	StartedAt           time.Time
	FinishedAt          time.Time
}

// SendCoordinator drives the sender side of one session under a policy.
// It is not responsible for Parallel or Multicast fan-out — those compose
// multiple SendCoordinators, one per worker/endpoint, via
// policy.RunParallel and policy.RunMulticast.
type SendCoordinator struct {
	session *transfer.Session
	pol     policy.Policy
	source  *transfer.SourceFile
	env     *crypto.Envelope
	macKey  []byte
	salt    []byte
	conn    io.ReadWriter
	cfg     config.Config
	logger  *slog.Logger

	startedAt time.Time

	mu    sync.Mutex
	stats Stats

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// New builds a SendCoordinator. macKey authenticates frame headers; env
// seals and opens chunk payloads, and must have been derived from salt
// via crypto.DeriveSessionKeys — salt is what the handshake sends inside
// INIT so the receiver can derive the same keys.
func New(session *transfer.Session, pol policy.Policy, source *transfer.SourceFile, env *crypto.Envelope, macKey, salt []byte, conn io.ReadWriter, cfg config.Config, logger *slog.Logger) *SendCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendCoordinator{
		session:  session,
		pol:      pol,
		source:   source,
		env:      env,
		macKey:   macKey,
		salt:     salt,
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		cancelCh: make(chan struct{}),
	}
}

// Cancel requests graceful cancellation: the session transitions to ERROR
// and Run returns perr.ErrSessionCancelled. During the chunk transfer phase
// it also stops enqueuing new chunks, sends an RST, and drains inbound
// frames for a bounded grace period before Run returns; during the
// handshake or while awaiting the FIN response, no RST is sent and nothing
// is drained.
func (c *SendCoordinator) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Snapshot returns a copy of the session's statistics so far.
func (c *SendCoordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run drives the session from IDLE through COMPLETED or ERROR, returning
// the terminal error (nil on success).
func (c *SendCoordinator) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	c.mu.Lock()
	c.stats.StartedAt = c.startedAt
	c.mu.Unlock()

	if err := c.session.Machine.Fire(transfer.EventInitiateSend); err != nil {
		return err
	}

	incoming := make(chan *frame.Frame, 64)
	readDone := make(chan error, 1)
	go c.readLoop(incoming, readDone)

	if err := c.handshake(ctx, incoming, readDone); err != nil {
		c.session.Machine.Fire(transfer.EventConnectTimeout)
		return err
	}
	if err := c.session.Machine.Fire(transfer.EventAckOfInit); err != nil {
		return err
	}

	if err := c.transferLoop(ctx, incoming, readDone); err != nil {
		c.drainAndAbort(incoming)
		return err
	}
	if err := c.session.Machine.Fire(transfer.EventLastChunkAcked); err != nil {
		return err
	}

	ok, err := c.finish(ctx, incoming, readDone)
	c.mu.Lock()
	c.stats.FinishedAt = time.Now()
	c.mu.Unlock()
	if err != nil || !ok {
		c.session.Machine.Fire(transfer.EventValidationFailure)
		return err
	}
	return c.session.Machine.Fire(transfer.EventValidationSuccess)
}

// handshake sends INIT and waits for ACK-of-INIT within connection_timeout.
func (c *SendCoordinator) handshake(ctx context.Context, incoming <-chan *frame.Frame, readDone <-chan error) error {
	payload, err := transfer.EncodeInit(c.session.Meta, c.salt)
	if err != nil {
		return fmt.Errorf("coordinator: encode init: %w", err)
	}
	if err := c.writeFrame(&frame.Frame{
		Version: frame.CurrentVersion,
		Type:    frame.TypeInit,
		Flags:   frame.FlagRequiresAck,
		Payload: payload,
	}); err != nil {
		return err
	}

	timeout := time.NewTimer(c.cfg.ConnectionTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cancelCh:
		return perr.ErrSessionCancelled
	case err := <-readDone:
		return fmt.Errorf("coordinator: transport closed during handshake: %w", err)
	case f := <-incoming:
		if f.Type != frame.TypeAck {
			return fmt.Errorf("coordinator: expected ack-of-init, got %v", f.Type)
		}
		return nil
	case <-timeout.C:
		return fmt.Errorf("coordinator: %w", perr.ErrHandshakeTimeout)
	}
}

// transferLoop sends chunks under the policy's pacing until every chunk has
// been sent and acknowledged, handling retransmits and the generic stall
// watchdog along the way.
func (c *SendCoordinator) transferLoop(ctx context.Context, incoming <-chan *frame.Frame, readDone <-chan error) error {
	totalChunks := c.session.Meta.ChunkCount()
	nextToSend := 0
	lastProgress := time.Now()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if nextToSend >= totalChunks && c.session.OutstandingCount() == 0 {
			return nil
		}

		if nextToSend < totalChunks {
			ok, _ := c.pol.Allow(c.session, c.session.Meta.ChunkSize, time.Now())
			if ok {
				if err := c.sendChunk(nextToSend); err != nil {
					return err
				}
				nextToSend++
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cancelCh:
			return perr.ErrSessionCancelled
		case err := <-readDone:
			return fmt.Errorf("coordinator: transport closed: %w", err)
		case f := <-incoming:
			if err := c.handleInbound(f, &lastProgress); err != nil {
				return err
			}
		case now := <-ticker.C:
			for _, seq := range c.pol.CheckTimeouts(c.session, now) {
				if err := c.retransmit(seq); err != nil {
					return err
				}
			}
			if c.session.OutstandingCount() > 0 && now.Sub(lastProgress) > c.cfg.MaxRTO {
				return fmt.Errorf("coordinator: %w", perr.ErrStalledSession)
			}
		}
	}
}

// handleInbound folds an inbound frame into policy/session state, updating
// lastProgress whenever the cumulative ACK actually advances.
func (c *SendCoordinator) handleInbound(f *frame.Frame, lastProgress *time.Time) error {
	switch f.Type {
	case frame.TypeError:
		return fmt.Errorf("coordinator: receiver reported an error: %w", perr.ErrSessionClosed)
	case frame.TypeAck:
		prevLast, hadPrev := c.session.LastAck()
		retransmits := c.pol.OnAck(c.session, f.Sequence, f.TimestampMS, true, time.Now())
		if newLast, ok := c.session.LastAck(); ok && (!hadPrev || newLast != prevLast) {
			*lastProgress = time.Now()
		}
		c.mu.Lock()
		c.stats.AcksReceived++
		c.mu.Unlock()
		for _, seq := range retransmits {
			if err := c.retransmit(seq); err != nil {
				return err
			}
		}
		return nil
	default:
		// stray control/gossip traffic on this stream is not this
		// coordinator's concern.
		return nil
	}
}

// finish sends FIN and waits for ACK-of-FIN (validation success) or ERROR
// (validation failure).
func (c *SendCoordinator) finish(ctx context.Context, incoming <-chan *frame.Frame, readDone <-chan error) (bool, error) {
	checksum := c.source.Checksum()
	if err := c.writeFrame(&frame.Frame{
		Version: frame.CurrentVersion,
		Type:    frame.TypeFin,
		Flags:   frame.FlagRequiresAck,
		Payload: checksum[:],
	}); err != nil {
		return false, err
	}

	timeout := time.NewTimer(c.cfg.ConnectionTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.cancelCh:
		return false, perr.ErrSessionCancelled
	case err := <-readDone:
		return false, fmt.Errorf("coordinator: transport closed awaiting fin response: %w", err)
	case f := <-incoming:
		switch f.Type {
		case frame.TypeAck:
			return true, nil
		case frame.TypeError:
			return false, fmt.Errorf("coordinator: %w", perr.ErrChecksumMismatch)
		default:
			return false, fmt.Errorf("coordinator: unexpected frame %v awaiting fin response", f.Type)
		}
	case <-timeout.C:
		return false, fmt.Errorf("coordinator: %w", perr.ErrHandshakeTimeout)
	}
}

// drainAndAbort implements cancellation's transport-level contract: send
// RST, fire the state-appropriate fatal transition, then drain whatever
// arrives for a bounded grace period before returning.
func (c *SendCoordinator) drainAndAbort(incoming <-chan *frame.Frame) {
	c.writeFrame(&frame.Frame{Version: frame.CurrentVersion, Type: frame.TypeRst})

	switch c.session.Machine.Current() {
	case transfer.Connecting:
		c.session.Machine.Fire(transfer.EventRST)
	case transfer.Transfer:
		c.session.Machine.Fire(transfer.EventUnrecoverableTimeout)
	}

	grace := time.NewTimer(c.cfg.CancelGracePeriod)
	defer grace.Stop()
	for {
		select {
		case <-incoming:
		case <-grace.C:
			return
		}
	}
}

func (c *SendCoordinator) sendChunk(i int) error {
	data, err := c.source.ReadChunk(i)
	if err != nil {
		return err
	}
	if err := c.sendDataFrame(uint16(i), data); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.ChunksSent++
	c.mu.Unlock()
	return nil
}

func (c *SendCoordinator) retransmit(seq uint16) error {
	data, err := c.source.ReadChunkNoHash(int(seq))
	if err != nil {
		return err
	}
	if err := c.sendDataFrame(seq, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.ChunksRetransmitted++
	c.mu.Unlock()
	return nil
}

func (c *SendCoordinator) sendDataFrame(seq uint16, plaintext []byte) error {
	f := &frame.Frame{
		Version:     frame.CurrentVersion,
		Type:        frame.TypeData,
		Sequence:    seq,
		TimestampMS: uint32(time.Since(c.startedAt).Milliseconds()),
		Flags:       frame.FlagEncrypted | frame.FlagRequiresAck,
	}
	sealed, err := c.env.Seal(plaintext, frame.AssociatedData(f))
	if err != nil {
		return fmt.Errorf("coordinator: seal chunk %d: %w", seq, err)
	}
	f.Payload = sealed
	if err := c.writeFrame(f); err != nil {
		return err
	}
	c.session.RegisterSent(seq, time.Now())
	c.mu.Lock()
	c.stats.BytesSent += int64(len(sealed))
	c.mu.Unlock()
	return nil
}

func (c *SendCoordinator) writeFrame(f *frame.Frame) error {
	buf, err := frame.Encode(f, c.macKey)
	if err != nil {
		return fmt.Errorf("coordinator: encode %v frame: %w", f.Type, err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("coordinator: write %v frame: %w", f.Type, err)
	}
	return nil
}

// readLoop decodes frames off the transport as bytes arrive, forwarding
// each complete frame to out. It exits (closing nothing — the caller owns
// conn) once the transport errors or cancellation is requested.
func (c *SendCoordinator) readLoop(out chan<- *frame.Frame, done chan<- error) {
	buf := make([]byte, 0, 4*maxFrameSize)
	tmp := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				f, consumed, decErr := frame.Decode(buf, maxFrameSize, c.macKey)
				if decErr != nil {
					if errors.Is(decErr, perr.ErrShortBuffer) {
						break
					}
					done <- decErr
					return
				}
				buf = buf[consumed:]
				select {
				case out <- f:
				case <-c.cancelCh:
					return
				}
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}
