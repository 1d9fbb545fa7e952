package frame

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"peercrypt/internal/perr"
)

var testMACKey = []byte("frame-level-mac-key-for-testing")

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Version:     CurrentVersion,
		Type:        TypeData,
		Sequence:    42,
		TimestampMS: 123456,
		Flags:       FlagEncrypted | FlagRequiresAck,
		Payload:     []byte("hello, peer"),
	}
	wire, err := Encode(f, testMACKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, consumed, err := Decode(wire, MaxPayloadSize+HeaderSize, testMACKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed %d, want %d", consumed, len(wire))
	}
	if got.Sequence != f.Sequence || got.Type != f.Type || got.Flags != f.Flags {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, f.Payload)
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	f := &Frame{Version: CurrentVersion, Type: TypeAck, Sequence: 7}
	wire, _ := Encode(f, testMACKey)
	a, _, errA := Decode(wire, 1<<20, testMACKey)
	b, _, errB := Decode(wire, 1<<20, testMACKey)
	if errA != nil || errB != nil {
		t.Fatalf("unexpected decode errors: %v %v", errA, errB)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("decode not deterministic: %+v vs %+v", a, b)
	}
}

func TestDecodeShortBufferDoesNotError(t *testing.T) {
	f := &Frame{Version: CurrentVersion, Type: TypeData, Payload: []byte("0123456789")}
	wire, _ := Encode(f, testMACKey)
	partial := wire[:len(wire)-3]
	_, _, err := Decode(partial, 1<<20, testMACKey)
	if err != perr.ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	f := &Frame{Version: 0x02, Type: TypeData}
	wire, _ := Encode(f, testMACKey)
	_, _, err := Decode(wire, 1<<20, testMACKey)
	if err == nil {
		t.Fatal("expected version rejection")
	}
}

func TestDecodeRejectsLengthOverflow(t *testing.T) {
	f := &Frame{Version: CurrentVersion, Type: TypeData, Payload: make([]byte, 1000)}
	wire, _ := Encode(f, testMACKey)
	_, _, err := Decode(wire, HeaderSize+10, testMACKey)
	if err == nil {
		t.Fatal("expected length-overflow rejection")
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	f := &Frame{Version: CurrentVersion, Type: TypeData, Payload: []byte("payload")}
	wire, _ := Encode(f, testMACKey)
	wire[len(wire)-1] ^= 0xFF // corrupt payload without touching CRC field itself... but CRC covers payload
	_, _, err := Decode(wire, 1<<20, testMACKey)
	if err != perr.ErrBadCRC {
		t.Fatalf("expected ErrBadCRC, got %v", err)
	}
}

func TestDecodeRejectsBadHMACAfterCRCPasses(t *testing.T) {
	f := &Frame{Version: CurrentVersion, Type: TypeData, Payload: []byte("payload")}
	wire, err := Encode(f, testMACKey)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = Decode(wire, 1<<20, []byte("a different mac key entirely"))
	if err != perr.ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestMultipleFramesConcatenated(t *testing.T) {
	f1 := &Frame{Version: CurrentVersion, Type: TypeData, Sequence: 1, Payload: []byte("aaa")}
	f2 := &Frame{Version: CurrentVersion, Type: TypeData, Sequence: 2, Payload: []byte("bbbbb")}
	w1, _ := Encode(f1, testMACKey)
	w2, _ := Encode(f2, testMACKey)
	stream := append(append([]byte{}, w1...), w2...)

	got1, n1, err := Decode(stream, 1<<20, testMACKey)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	got2, n2, err := Decode(stream[n1:], 1<<20, testMACKey)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if got1.Sequence != 1 || got2.Sequence != 2 {
		t.Fatalf("sequence mismatch: %d, %d", got1.Sequence, got2.Sequence)
	}
	if n1+n2 != len(stream) {
		t.Fatalf("consumed %d+%d, want %d", n1, n2, len(stream))
	}
}

func TestGossipEncodeDecodeRoundTrip(t *testing.T) {
	msg := &GossipMessage{
		Version:      CurrentVersion,
		Type:         GossipPeers,
		SourceNodeID: 0xdeadbeef,
		TimestampMS:  99,
		Peers: []PeerEntry{
			{NodeID: 1, IP: net.ParseIP("192.168.1.5"), Port: 9900, Reliability: ReliabilityToQ16(0.75)},
			{NodeID: 2, IP: net.ParseIP("10.0.0.1"), Port: 9901, Reliability: ReliabilityToQ16(1.0)},
		},
	}
	wire, err := EncodeGossip(msg)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	got, err := DecodeGossip(wire)
	if err != nil {
		t.Fatalf("DecodeGossip: %v", err)
	}
	if got.SourceNodeID != msg.SourceNodeID || len(got.Peers) != 2 {
		t.Fatalf("mismatch: %+v", got)
	}
	if !got.Peers[0].IP.Equal(msg.Peers[0].IP) {
		t.Fatalf("ip mismatch: %v vs %v", got.Peers[0].IP, msg.Peers[0].IP)
	}
	if r := Q16ToReliability(got.Peers[1].Reliability); r < 0.999 {
		t.Fatalf("reliability round trip lost precision: %f", r)
	}
}

func TestControlEncodeDecodeRoundTrip(t *testing.T) {
	m := &ControlMessage{
		Version:     CurrentVersion,
		Type:        ControlCongestionParams,
		MessageID:   5,
		TimestampMS: 1000,
		Mode:        1,
		Parameters:  []byte(`{"min_window":4096}`),
	}
	wire, err := EncodeControl(m)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	got, consumed, err := DecodeControl(wire)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if consumed != len(wire) || got.MessageID != 5 || string(got.Parameters) != `{"min_window":4096}` {
		t.Fatalf("mismatch: %+v consumed=%d", got, consumed)
	}
}
