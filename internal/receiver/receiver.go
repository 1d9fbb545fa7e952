// Package receiver implements the receiving side of one transfer session:
// INIT validation, per-DATA-frame verification and reassembly, and FIN
// integrity checking.
package receiver

import (
	"fmt"

	"peercrypt/internal/crypto"
	"peercrypt/internal/frame"
	"peercrypt/internal/perr"
	"peercrypt/internal/transfer"
)

// MaxOutOfOrderBuffer bounds how many out-of-order chunks a receiver holds
// before evicting one.
const MaxOutOfOrderBuffer = 64

// MaxMACFailures is how many consecutive cryptographic failures a session
// tolerates before becoming fatal.
const MaxMACFailures = 8

// Receiver reassembles one inbound session's chunk stream into a file,
// verifying every frame's authentication tag before it touches disk.
type Receiver struct {
	session  *transfer.Session
	envelope *crypto.Envelope
	sink     *transfer.SinkFile

	pending     map[uint16][]byte
	macFailures int
	maxMACFail  int
	totalChunks int
}

// New builds a Receiver bound to an already-open session and sink, ready to
// process DATA and FIN frames once the INIT handshake has completed.
func New(session *transfer.Session, envelope *crypto.Envelope, sink *transfer.SinkFile) *Receiver {
	return &Receiver{
		session:     session,
		envelope:    envelope,
		sink:        sink,
		pending:     make(map[uint16][]byte),
		maxMACFail:  MaxMACFailures,
		totalChunks: session.Meta.ChunkCount(),
	}
}

// HandleInit decodes an INIT payload, rejects a non-positive chunk size or
// a negative total length, and builds the ACK-of-INIT response.
func HandleInit(raw []byte) (meta transfer.FileMeta, salt []byte, ack *frame.Frame, err error) {
	meta, salt, err = transfer.DecodeInit(raw)
	if err != nil {
		return transfer.FileMeta{}, nil, nil, err
	}
	if meta.ChunkSize <= 0 || meta.TotalLength < 0 {
		return transfer.FileMeta{}, nil, nil, fmt.Errorf("receiver: invalid init metadata")
	}
	ack = &frame.Frame{
		Version: frame.CurrentVersion,
		Type:    frame.TypeAck,
		Flags:   frame.FlagRequiresAck,
	}
	return meta, salt, ack, nil
}

// HandleData verifies, decrypts, and places one DATA frame's payload,
// returning the cumulative ACK frame to send back. A nil ack with a nil
// error means the frame was a MAC failure under the tolerance threshold and
// was silently dropped.
func (r *Receiver) HandleData(f *frame.Frame) (*frame.Frame, error) {
	plaintext := f.Payload
	if f.Flags&frame.FlagEncrypted != 0 {
		var err error
		plaintext, err = r.envelope.Open(f.Payload, frame.AssociatedData(f))
		if err != nil {
			r.macFailures++
			if r.macFailures >= r.maxMACFail {
				return nil, fmt.Errorf("receiver: %d consecutive MAC failures: %w", r.macFailures, perr.ErrAuthFailed)
			}
			return nil, nil
		}
	}
	r.macFailures = 0

	seq := f.Sequence
	expected := r.session.NextExpected()

	switch {
	case seq == expected:
		if err := r.deliver(int(seq), plaintext); err != nil {
			return nil, err
		}
		r.session.AdvanceNextExpected(seq)
		r.drainPending()
	case transfer.SeqLess(seq, expected):
		// duplicate of an already-delivered chunk: drop the payload, the
		// re-ACK below is what drives triple-duplicate-ACK detection on
		// the sender.
	default:
		r.bufferOutOfOrder(seq, plaintext)
	}

	last, ok := r.lastDeliveredSeq()
	ackFrame := &frame.Frame{
		Version: frame.CurrentVersion,
		Type:    frame.TypeAck,
		Flags:   frame.FlagRequiresAck,
	}
	if ok {
		ackFrame.Sequence = last
	}
	return ackFrame, nil
}

// deliver writes chunk seq (already known to be next-expected) to the sink.
func (r *Receiver) deliver(seq int, data []byte) error {
	if err := r.sink.WriteChunk(seq, data); err != nil {
		return fmt.Errorf("receiver: deliver chunk %d: %w", seq, err)
	}
	return nil
}

// drainPending releases any buffered out-of-order chunks that have become
// contiguous now that next-expected has advanced.
func (r *Receiver) drainPending() {
	for {
		expected := r.session.NextExpected()
		data, ok := r.pending[expected]
		if !ok {
			return
		}
		delete(r.pending, expected)
		if err := r.deliver(int(expected), data); err != nil {
			return
		}
		r.session.AdvanceNextExpected(expected)
	}
}

// bufferOutOfOrder stores a future chunk, evicting the highest-offset
// buffered entry first if the buffer is already full.
func (r *Receiver) bufferOutOfOrder(seq uint16, data []byte) {
	if _, exists := r.pending[seq]; exists {
		return
	}
	if len(r.pending) >= MaxOutOfOrderBuffer {
		var worst uint16
		first := true
		for k := range r.pending {
			if first || transfer.SeqLess(worst, k) {
				worst = k
				first = false
			}
		}
		if first || transfer.SeqLess(worst, seq) {
			// the new chunk is itself the highest offset: drop it instead.
			return
		}
		delete(r.pending, worst)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.pending[seq] = buf
}

// lastDeliveredSeq returns the cumulative ACK sequence: next-expected minus
// one, wrap-aware, or !ok if nothing has been delivered yet.
func (r *Receiver) lastDeliveredSeq() (uint16, bool) {
	expected := r.session.NextExpected()
	if expected == 0 {
		return 0, false
	}
	return expected - 1, true
}

// Complete reports whether every chunk has been delivered in order, i.e.
// next-expected has reached the file's chunk count.
func (r *Receiver) Complete() bool {
	return int(r.session.NextExpected()) >= r.totalChunks
}

// HandleFin verifies the file-level SHA-256 and reports whether the
// transfer completed successfully. On a checksum mismatch it removes the
// partial output file before returning the ERROR response.
func (r *Receiver) HandleFin(f *frame.Frame, expectedChecksum [32]byte) (*frame.Frame, bool, error) {
	got := r.sink.Checksum()
	if got != expectedChecksum {
		r.sink.Remove()
		resp := &frame.Frame{Version: frame.CurrentVersion, Type: frame.TypeError}
		return resp, false, fmt.Errorf("receiver: checksum mismatch at FIN: %w", perr.ErrChecksumMismatch)
	}
	resp := &frame.Frame{
		Version:  frame.CurrentVersion,
		Type:     frame.TypeAck,
		Flags:    frame.FlagRequiresAck,
		Sequence: f.Sequence,
	}
	return resp, true, nil
}
