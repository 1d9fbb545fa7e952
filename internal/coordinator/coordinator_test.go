package coordinator

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/crypto"
	"peercrypt/internal/policy"
	"peercrypt/internal/transfer"
)

// TestEndToEndSmallFileNormalPolicy reproduces scenario S1: a
// small file transferred under the Normal policy over a lossless transport
// should reassemble byte-exact and leave both sessions COMPLETED.
func TestEndToEndSmallFileNormalPolicy(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "in.bin")
	content := bytes.Repeat([]byte("A"), 1024)
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.ChunkSize = 256
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.MaxRTO = 2 * time.Second

	secret := []byte("shared-secret-for-test")
	macKey := crypto.BootstrapKey(secret)

	source, meta, err := transfer.OpenSource(srcPath, cfg.ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	defer source.Close()

	senderConn, receiverConn := net.Pipe()
	defer senderConn.Close()
	defer receiverConn.Close()

	senderSalt, err := crypto.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	senderKeys, err := crypto.DeriveSessionKeys(secret, senderSalt[:], cfg.PBKDF2Iterations)
	if err != nil {
		t.Fatal(err)
	}
	env := crypto.New(senderKeys)

	senderSession := transfer.NewSession(transfer.ID{}, meta)
	pol := policy.NewNormal(cfg.NormalWindow)
	sender := New(senderSession, pol, source, env, macKey, senderSalt[:], senderConn, cfg, nil)

	recvDir := t.TempDir()
	recvCoord := NewReceiveCoordinator(receiverConn, secret, recvDir, cfg, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- sender.Run(context.Background()) }()
	go func() { errCh <- recvCoord.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("coordinator returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for transfer to complete")
		}
	}

	if senderSession.Machine.Current() != transfer.Completed {
		t.Fatalf("sender state = %v, want COMPLETED", senderSession.Machine.Current())
	}
	if recvCoord.session.Machine.Current() != transfer.Completed {
		t.Fatalf("receiver state = %v, want COMPLETED", recvCoord.session.Machine.Current())
	}

	got, err := os.ReadFile(filepath.Join(recvDir, meta.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled file does not match source: got %d bytes, want %d", len(got), len(content))
	}
}
