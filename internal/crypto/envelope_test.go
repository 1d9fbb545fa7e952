package crypto

import (
	"bytes"
	"testing"
)

func testKeys(t *testing.T) SessionKeys {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	keys, err := DeriveSessionKeys([]byte("shared-secret-for-testing"), salt[:], 100_000)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	return keys
}

func TestSealOpenRoundTrip(t *testing.T) {
	env := New(testKeys(t))
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	header := []byte{0x01, 0x01, 0x00, 0x2a}

	sealed, err := env.Seal(plaintext, header)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := env.Open(sealed, header)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	env := New(testKeys(t))
	sealed, err := env.Seal([]byte("payload"), []byte("hdr"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-10] ^= 0xFF
	if _, err := env.Open(sealed, []byte("hdr")); err == nil {
		t.Fatal("expected auth failure on tampered ciphertext")
	}
}

func TestOpenRejectsWrongHeader(t *testing.T) {
	env := New(testKeys(t))
	sealed, err := env.Seal([]byte("payload"), []byte("hdr-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := env.Open(sealed, []byte("hdr-b")); err == nil {
		t.Fatal("expected auth failure on mismatched associated header")
	}
}

func TestDeriveSessionKeysRejectsLowIterationCount(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := DeriveSessionKeys([]byte("secret"), salt[:], 10); err == nil {
		t.Fatal("expected rejection of low iteration count")
	}
}

func TestEmptyPlaintextRoundTrips(t *testing.T) {
	env := New(testKeys(t))
	sealed, err := env.Seal(nil, []byte("hdr"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := env.Open(sealed, []byte("hdr"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(got))
	}
}
