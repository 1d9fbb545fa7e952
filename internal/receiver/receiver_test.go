package receiver

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"peercrypt/internal/crypto"
	"peercrypt/internal/frame"
	"peercrypt/internal/transfer"
)

func testEnvelope(t *testing.T) *crypto.Envelope {
	t.Helper()
	salt, err := crypto.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := crypto.DeriveSessionKeys([]byte("shared-secret"), salt[:], 100_000)
	if err != nil {
		t.Fatal(err)
	}
	return crypto.New(keys)
}

func newTestReceiver(t *testing.T, env *crypto.Envelope, totalLen int64, chunkSize int) (*Receiver, *transfer.SinkFile, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	meta := transfer.FileMeta{Name: "out.bin", TotalLength: totalLen, ChunkSize: chunkSize}
	sink, err := transfer.CreateSink(path, meta)
	if err != nil {
		t.Fatal(err)
	}
	session := transfer.NewSession(transfer.ID{}, meta)
	return New(session, env, sink), sink, path
}

func sealChunk(t *testing.T, env *crypto.Envelope, seq uint16, data []byte) *frame.Frame {
	t.Helper()
	f := &frame.Frame{
		Version:  frame.CurrentVersion,
		Type:     frame.TypeData,
		Sequence: seq,
		Flags:    frame.FlagEncrypted,
	}
	sealed, err := env.Seal(data, frame.AssociatedData(f))
	if err != nil {
		t.Fatal(err)
	}
	f.Payload = sealed
	return f
}

func TestHandleDataInOrderDeliversAndAcks(t *testing.T) {
	env := testEnvelope(t)
	r, sink, path := newTestReceiver(t, env, 8, 4)

	ack0, err := r.HandleData(sealChunk(t, env, 0, []byte("ABCD")))
	if err != nil {
		t.Fatal(err)
	}
	if ack0.Sequence != 0 {
		t.Fatalf("ack sequence = %d, want 0", ack0.Sequence)
	}

	ack1, err := r.HandleData(sealChunk(t, env, 1, []byte("EFGH")))
	if err != nil {
		t.Fatal(err)
	}
	if ack1.Sequence != 1 {
		t.Fatalf("ack sequence = %d, want 1", ack1.Sequence)
	}
	if !r.Complete() {
		t.Fatal("expected receiver to report complete after both chunks")
	}

	sink.Close()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABCDEFGH")) {
		t.Fatalf("reassembled file = %q, want %q", got, "ABCDEFGH")
	}
}

func TestHandleDataOutOfOrderBuffersAndDrains(t *testing.T) {
	env := testEnvelope(t)
	r, sink, path := newTestReceiver(t, env, 8, 4)

	ack, err := r.HandleData(sealChunk(t, env, 1, []byte("EFGH")))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Sequence != 0 {
		t.Fatalf("out-of-order chunk must re-emit last cumulative ack (0), got %d", ack.Sequence)
	}

	ack, err = r.HandleData(sealChunk(t, env, 0, []byte("ABCD")))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Sequence != 1 {
		t.Fatalf("expected cumulative ack to jump to 1 after drain, got %d", ack.Sequence)
	}

	sink.Close()
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, []byte("ABCDEFGH")) {
		t.Fatalf("reassembled file = %q, want %q", got, "ABCDEFGH")
	}
}

func TestHandleDataDuplicateReEmitsLastAck(t *testing.T) {
	env := testEnvelope(t)
	r, _, _ := newTestReceiver(t, env, 8, 4)

	if _, err := r.HandleData(sealChunk(t, env, 0, []byte("ABCD"))); err != nil {
		t.Fatal(err)
	}
	ack, err := r.HandleData(sealChunk(t, env, 0, []byte("ABCD")))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Sequence != 0 {
		t.Fatalf("duplicate re-ack sequence = %d, want 0", ack.Sequence)
	}
}

func TestHandleDataTamperedMACIsDroppedNotFatal(t *testing.T) {
	env := testEnvelope(t)
	r, _, _ := newTestReceiver(t, env, 8, 4)

	f := sealChunk(t, env, 0, []byte("ABCD"))
	f.Payload[len(f.Payload)-1] ^= 0xFF // corrupt the tag

	ack, err := r.HandleData(f)
	if err != nil {
		t.Fatalf("a single MAC failure must not be fatal, got %v", err)
	}
	if ack != nil {
		t.Fatal("expected no ack for a dropped MAC-failed frame")
	}
}

func TestHandleFinVerifiesChecksum(t *testing.T) {
	env := testEnvelope(t)
	r, sink, _ := newTestReceiver(t, env, 4, 4)

	if _, err := r.HandleData(sealChunk(t, env, 0, []byte("ABCD"))); err != nil {
		t.Fatal(err)
	}

	want := sha256.Sum256([]byte("ABCD"))
	fin := &frame.Frame{Version: frame.CurrentVersion, Type: frame.TypeFin, Sequence: 1}
	resp, ok, err := r.HandleFin(fin, want)
	if err != nil || !ok {
		t.Fatalf("expected fin success, got ok=%v err=%v", ok, err)
	}
	if resp.Type != frame.TypeAck {
		t.Fatalf("expected ACK-of-FIN, got %v", resp.Type)
	}

	var wrong [32]byte
	resp, ok, err = r.HandleFin(fin, wrong)
	if ok || err == nil {
		t.Fatal("expected fin failure on checksum mismatch")
	}
	if resp.Type != frame.TypeError {
		t.Fatalf("expected ERROR frame on mismatch, got %v", resp.Type)
	}

	sink.Close()
}
