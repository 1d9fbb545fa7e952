package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/crypto"
	"peercrypt/internal/frame"
	"peercrypt/internal/perr"
	"peercrypt/internal/receiver"
	"peercrypt/internal/transfer"
)

// stallCheckInterval is how often the receive loop checks for a stalled
// sender (no DATA/FIN progress within max_RTO).
const stallCheckInterval = 50 * time.Millisecond

// ReceiveCoordinator drives the receiving side of one inbound session:
// validates INIT, derives the session's encryption keys from the salt
// INIT carries, and hands every subsequent frame to a receiver.Receiver
// until FIN is verified or the session fails.
//
// Frame-level authentication uses a fixed key derived from the shared
// secret alone (crypto.BootstrapKey) so INIT itself can be authenticated
// before any per-session salt exists; only the chunk *payloads* are sealed
// under the PBKDF2-derived, per-session salted keys.
type ReceiveCoordinator struct {
	conn         io.ReadWriter
	sharedSecret []byte
	macKey       []byte
	sinkDir      string
	cfg          config.Config
	logger       *slog.Logger

	session *transfer.Session

	mu    sync.Mutex
	stats Stats

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewReceiveCoordinator builds a coordinator for one inbound connection.
// Received files are written under sinkDir, named by the INIT payload's
// file name.
func NewReceiveCoordinator(conn io.ReadWriter, sharedSecret []byte, sinkDir string, cfg config.Config, logger *slog.Logger) *ReceiveCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiveCoordinator{
		conn:         conn,
		sharedSecret: sharedSecret,
		macKey:       crypto.BootstrapKey(sharedSecret),
		sinkDir:      sinkDir,
		cfg:          cfg,
		logger:       logger,
		cancelCh:     make(chan struct{}),
	}
}

// Cancel requests graceful cancellation, mirroring SendCoordinator.Cancel.
func (rc *ReceiveCoordinator) Cancel() {
	rc.cancelOnce.Do(func() { close(rc.cancelCh) })
}

// Snapshot returns a copy of the session's statistics so far.
func (rc *ReceiveCoordinator) Snapshot() Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

// Run drives one inbound session from IDLE through COMPLETED or ERROR.
func (rc *ReceiveCoordinator) Run(ctx context.Context) error {
	rc.session = transfer.NewSession(transfer.ID{}, transfer.FileMeta{})
	rc.mu.Lock()
	rc.stats.StartedAt = time.Now()
	rc.mu.Unlock()

	if err := rc.session.Machine.Fire(transfer.EventInitiateSend); err != nil {
		return err
	}

	incoming := make(chan *frame.Frame, 64)
	readDone := make(chan error, 1)
	go rc.readLoop(incoming, readDone)

	recv, err := rc.handshake(ctx, incoming, readDone)
	if err != nil {
		rc.session.Machine.Fire(transfer.EventConnectTimeout)
		return err
	}
	if err := rc.session.Machine.Fire(transfer.EventAckOfInit); err != nil {
		return err
	}

	ok, err := rc.receiveLoop(ctx, incoming, readDone, recv)
	rc.mu.Lock()
	rc.stats.FinishedAt = time.Now()
	rc.mu.Unlock()
	if err != nil {
		rc.session.Machine.Fire(transfer.EventUnrecoverableTimeout)
		return err
	}
	if err := rc.session.Machine.Fire(transfer.EventLastChunkAcked); err != nil {
		return err
	}
	if !ok {
		rc.session.Machine.Fire(transfer.EventValidationFailure)
		return fmt.Errorf("coordinator: %w", perr.ErrChecksumMismatch)
	}
	return rc.session.Machine.Fire(transfer.EventValidationSuccess)
}

// handshake waits for INIT, derives the session's payload-encryption
// envelope from its salt, opens the sink file, and replies with
// ACK-of-INIT.
func (rc *ReceiveCoordinator) handshake(ctx context.Context, incoming <-chan *frame.Frame, readDone <-chan error) (*receiver.Receiver, error) {
	timeout := time.NewTimer(rc.cfg.ConnectionTimeout)
	defer timeout.Stop()

	var initFrame *frame.Frame
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rc.cancelCh:
		return nil, perr.ErrSessionCancelled
	case err := <-readDone:
		return nil, fmt.Errorf("coordinator: transport closed awaiting init: %w", err)
	case f := <-incoming:
		if f.Type != frame.TypeInit {
			return nil, fmt.Errorf("coordinator: expected init, got %v", f.Type)
		}
		initFrame = f
	case <-timeout.C:
		return nil, fmt.Errorf("coordinator: %w", perr.ErrHandshakeTimeout)
	}

	meta, salt, ack, err := receiver.HandleInit(initFrame.Payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	rc.session.Meta = meta

	keys, err := crypto.DeriveSessionKeys(rc.sharedSecret, salt, rc.cfg.PBKDF2Iterations)
	if err != nil {
		return nil, fmt.Errorf("coordinator: derive session keys: %w", err)
	}
	env := crypto.New(keys)

	destPath, err := rc.resolveDest(meta.Name)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create destination directory: %w", err)
	}
	sink, err := transfer.CreateSink(destPath, meta)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create sink: %w", err)
	}

	recv := receiver.New(rc.session, env, sink)
	if err := rc.writeFrame(ack); err != nil {
		return nil, err
	}
	return recv, nil
}

// resolveDest joins name onto sinkDir, rejecting any name that would
// escape it (absolute paths or ".." segments) — a malicious or buggy peer
// otherwise controls where on disk the receiver writes.
func (rc *ReceiveCoordinator) resolveDest(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe file name %q", name)
	}
	return filepath.Join(rc.sinkDir, clean), nil
}

// receiveLoop processes DATA frames until FIN arrives, then verifies the
// file-level checksum.
func (rc *ReceiveCoordinator) receiveLoop(ctx context.Context, incoming <-chan *frame.Frame, readDone <-chan error, recv *receiver.Receiver) (bool, error) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-rc.cancelCh:
			return false, perr.ErrSessionCancelled
		case err := <-readDone:
			return false, fmt.Errorf("coordinator: transport closed: %w", err)
		case f := <-incoming:
			switch f.Type {
			case frame.TypeData:
				ack, err := recv.HandleData(f)
				if err != nil {
					return false, fmt.Errorf("coordinator: %w", err)
				}
				if ack != nil {
					if err := rc.writeFrame(ack); err != nil {
						return false, err
					}
					rc.mu.Lock()
					rc.stats.AcksReceived++
					rc.mu.Unlock()
				}
				lastProgress = time.Now()
			case frame.TypeFin:
				var checksum [32]byte
				copy(checksum[:], f.Payload)
				resp, ok, err := recv.HandleFin(f, checksum)
				if werr := rc.writeFrame(resp); werr != nil {
					return false, werr
				}
				return ok, err
			case frame.TypeRst:
				return false, fmt.Errorf("coordinator: %w", perr.ErrSessionClosed)
			default:
				// unrelated control/gossip traffic on this stream
			}
		case now := <-ticker.C:
			if now.Sub(lastProgress) > rc.cfg.MaxRTO {
				return false, fmt.Errorf("coordinator: %w", perr.ErrStalledSession)
			}
		}
	}
}

func (rc *ReceiveCoordinator) writeFrame(f *frame.Frame) error {
	buf, err := frame.Encode(f, rc.macKey)
	if err != nil {
		return fmt.Errorf("coordinator: encode %v frame: %w", f.Type, err)
	}
	if _, err := rc.conn.Write(buf); err != nil {
		return fmt.Errorf("coordinator: write %v frame: %w", f.Type, err)
	}
	return nil
}

func (rc *ReceiveCoordinator) readLoop(out chan<- *frame.Frame, done chan<- error) {
	buf := make([]byte, 0, 4*maxFrameSize)
	tmp := make([]byte, 32*1024)
	for {
		n, err := rc.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				f, consumed, decErr := frame.Decode(buf, maxFrameSize, rc.macKey)
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
				case <-rc.cancelCh:
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
