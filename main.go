// PeerCrypt — decentralized encrypted file transfer (Go edition).
//
// Build:   go build -o peercrypt .
// Usage:   peercrypt Alice                          (interactive)
//
//	peercrypt Alice receive
//	peercrypt Bob send 10.0.0.4:9900 file.mp4
//	peercrypt Bob peers
package main

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"peercrypt/internal/config"
	"peercrypt/internal/coordinator"
	"peercrypt/internal/crypto"
	"peercrypt/internal/membership"
	"peercrypt/internal/policy"
	"peercrypt/internal/transfer"
)

const defaultPort = 9900

// insecureDemoSecret is the shared secret used when the operator doesn't
// pass --secret. Real deployments must agree on a secret out of band.
const insecureDemoSecret = "peercrypt-demo-shared-secret-change-me"

// ─────────────────────────────────────────────────────────────────────────────
// NODE IDENTITY
// ─────────────────────────────────────────────────────────────────────────────

// nodeIDFromName derives a stable 32-bit node_id from a human-chosen name,
// since node_id is an opaque tag and names are purely a CLI
// convenience (the wire protocol never carries a name).
func nodeIDFromName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// ─────────────────────────────────────────────────────────────────────────────
// FILE COLLECTION
// ─────────────────────────────────────────────────────────────────────────────

type fileEntry struct {
	AbsPath string
	RelPath string
	Size    int64
}

func collectEntries(paths []string) ([]fileEntry, error) {
	var result []fileEntry
	for _, raw := range paths {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("not found: %s", raw)
		}
		if info.IsDir() {
			parent := filepath.Dir(abs)
			err = filepath.Walk(abs, func(path string, fi os.FileInfo, err error) error {
				if err != nil || fi.IsDir() {
					return err
				}
				rel, _ := filepath.Rel(parent, path)
				result = append(result, fileEntry{AbsPath: path, RelPath: filepath.ToSlash(rel), Size: fi.Size()})
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else {
			result = append(result, fileEntry{AbsPath: abs, RelPath: info.Name(), Size: info.Size()})
		}
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PROGRESS
// ─────────────────────────────────────────────────────────────────────────────

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

func fmtTime(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%.0fm%02ds", s/60, int(s)%60)
}

// watchProgress polls a SendCoordinator's stats until done fires, drawing a
// single-line bar sourced from the coordinator's observer capability
// instead of an internal counter.
func watchProgress(label string, total int64, snapshot func() coordinator.Stats, done <-chan struct{}, quiet bool) {
	if quiet || total <= 0 {
		<-done
		return
	}
	if len(label) > 20 {
		label = label[len(label)-20:]
	}
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	draw := func() {
		sent := snapshot().BytesSent
		pct := float64(sent) / float64(total)
		if pct > 1 {
			pct = 1
		}
		width := 28
		filled := int(pct * float64(width))
		bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
		dt := time.Since(t0).Seconds()
		var speed float64
		if dt > 0 {
			speed = float64(sent) / dt
		}
		fmt.Fprintf(os.Stderr, "\r  %-20s [%s] %5.1f%%  %s/s", label, bar, pct*100, strings.TrimSpace(fmtSize(speed)))
	}
	for {
		select {
		case <-done:
			draw()
			fmt.Fprintln(os.Stderr)
			return
		case <-ticker.C:
			draw()
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// POLICY SELECTION
// ─────────────────────────────────────────────────────────────────────────────

// buildPolicy resolves the configured default mode to a per-session
// policy.Policy. QoS, parallel, and multicast compose several sessions
// rather than being single-session policies themselves (see
// internal/policy's doc comment); a bare "send" falls back to Normal under
// those modes since there is exactly one session to drive here.
func buildPolicy(cfg config.Config) policy.Policy {
	switch cfg.DefaultMode {
	case config.ModeToken:
		return policy.NewTokenBucket(cfg.TokenBucketCapacity, cfg.TokenBucketRate, time.Now())
	case config.ModeAIMD:
		return policy.NewAIMD(cfg)
	default:
		return policy.NewNormal(cfg.NormalWindow)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// PEER RESOLUTION
// ─────────────────────────────────────────────────────────────────────────────

// resolveTarget looks target up in the peer table by name-derived node_id
// or literal "host:port" address. Known peers win over a literal address
// so a stale direct dial never shadows a membership-verified endpoint.
func resolveTarget(table *membership.Table, target string, defaultPort int) (host string, port int) {
	wantID := nodeIDFromName(target)
	for _, p := range table.Snapshot() {
		if p.NodeID == wantID {
			return p.Address, p.Port
		}
	}
	if h, ps, err := net.SplitHostPort(target); err == nil {
		if p, err := strconv.Atoi(ps); err == nil {
			return h, p
		}
	}
	return target, defaultPort
}

// ─────────────────────────────────────────────────────────────────────────────
// SEND
// ─────────────────────────────────────────────────────────────────────────────

func sendFiles(ctx context.Context, cfg config.Config, secret []byte, host string, port int, entries []fileEntry, quiet bool) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for _, e := range entries {
		if err := sendOne(ctx, cfg, secret, addr, e, quiet); err != nil {
			return fmt.Errorf("send %s: %w", e.RelPath, err)
		}
	}
	return nil
}

func sendOne(ctx context.Context, cfg config.Config, secret []byte, addr string, entry fileEntry, quiet bool) error {
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectionTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	source, meta, err := transfer.OpenSource(entry.AbsPath, cfg.ChunkSize)
	if err != nil {
		return err
	}
	defer source.Close()
	meta.Name = entry.RelPath

	salt, err := crypto.NewSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	keys, err := crypto.DeriveSessionKeys(secret, salt[:], cfg.PBKDF2Iterations)
	if err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}
	env := crypto.New(keys)
	macKey := crypto.BootstrapKey(secret)

	session := transfer.NewSession(transfer.ID{RemoteEndpoint: addr}, meta)
	pol := buildPolicy(cfg)
	sc := coordinator.New(session, pol, source, env, macKey, salt[:], conn, cfg, slog.Default())

	done := make(chan struct{})
	go func() {
		watchProgress(entry.RelPath, meta.TotalLength, sc.Snapshot, done, quiet)
	}()

	if !quiet {
		fmt.Printf("  -> %s  (%s)  [%s]\n", entry.RelPath, strings.TrimSpace(fmtSize(float64(meta.TotalLength))), pol.Name())
	}
	err = sc.Run(ctx)
	close(done)
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// RECEIVE
// ─────────────────────────────────────────────────────────────────────────────

func startServer(port int) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

func acceptLoop(ln *net.TCPListener, destDir string, cfg config.Config, secret []byte, stopCh <-chan struct{}) {
	for {
		ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.AcceptTCP()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				continue
			}
		}
		go handleConn(conn, destDir, cfg, secret)
	}
}

func handleConn(conn *net.TCPConn, destDir string, cfg config.Config, secret []byte) {
	defer conn.Close()
	rc := coordinator.NewReceiveCoordinator(conn, secret, destDir, cfg, slog.Default())
	if err := rc.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "\n  !! session from %s failed: %v\n", conn.RemoteAddr(), err)
		return
	}
	stats := rc.Snapshot()
	fmt.Printf("  OK received from %s  (%s)\n", conn.RemoteAddr(), strings.TrimSpace(fmtSize(float64(stats.BytesSent))))
}

// ─────────────────────────────────────────────────────────────────────────────
// PEERS
// ─────────────────────────────────────────────────────────────────────────────

func startMembership(cfg config.Config, myName string, port int) (*membership.Table, *membership.Gossiper, error) {
	table := membership.NewTable(cfg, nil)
	self := membership.Key{NodeID: nodeIDFromName(myName), Address: "0.0.0.0", Port: port}
	g := membership.NewGossiper(cfg, table, self, slog.Default())
	if err := g.Start(); err != nil {
		return nil, nil, err
	}
	return table, g, nil
}

func printPeers(table *membership.Table) {
	found := table.Snapshot()
	if len(found) == 0 {
		fmt.Println("  No peers found yet — peers announce every few seconds")
		return
	}
	fmt.Printf("\n  %-12s  %-16s  PORT  RELIABILITY\n", "NODE_ID", "ADDRESS")
	fmt.Println("  " + strings.Repeat("-", 52))
	for _, p := range found {
		fmt.Printf("  %08x      %-16s  %-4d  %.2f\n", p.NodeID, p.Address, p.Port, p.Reliability)
	}
	fmt.Println()
}

// ─────────────────────────────────────────────────────────────────────────────
// INTERACTIVE REPL
// ─────────────────────────────────────────────────────────────────────────────

const replHelp = `
Commands:
  peers                             List known peers
  send <target> <path> [<path>...]  Send files/folders to a peer
  dir [PATH]                        Show/change receive directory
  mode [NAME]                       Show/set transmission policy
  quiet                             Toggle progress output
  help                              Show this message
  exit                              Quit
`

func splitArgs(line string) []string {
	var parts []string
	var cur strings.Builder
	inQ := false
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
		case c == ' ' && !inQ:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func doSend(cfg config.Config, secret []byte, table *membership.Table, args []string, quiet bool) {
	if len(args) < 2 {
		fmt.Println("  Usage: send <target> <path> [<path>...]")
		return
	}
	target, paths := args[0], args[1:]
	entries, err := collectEntries(paths)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("  Nothing to send.")
		return
	}
	host, port := resolveTarget(table, target, defaultPort)
	fmt.Printf("  -> %s:%d\n", host, port)

	t0 := time.Now()
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if err := sendFiles(context.Background(), cfg, secret, host, port, entries, quiet); err != nil {
		fmt.Printf("  Transfer failed: %v\n", err)
		return
	}
	dt := time.Since(t0).Seconds()
	speed := float64(total) / dt
	fmt.Printf("\n  Done  %s in %s  (%s/s)\n",
		strings.TrimSpace(fmtSize(float64(total))), fmtTime(dt), strings.TrimSpace(fmtSize(speed)))
}

func runInteractive(myName string, port int, recvDir string, cfg config.Config, secret []byte) {
	dir, _ := filepath.Abs(recvDir)
	os.MkdirAll(dir, 0755)

	table, gossiper, err := startMembership(cfg, myName, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start membership: %v\n", err)
		os.Exit(1)
	}

	ln, err := startServer(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot bind port %d: %v\n", port, err)
		os.Exit(1)
	}
	stopCh := make(chan struct{})
	go acceptLoop(ln, dir, cfg, secret, stopCh)

	fmt.Printf("PeerCrypt  |  %s  |  port %d  |  saving to %s  |  mode %s\n", myName, port, dir, cfg.DefaultMode)
	fmt.Println("Ready. Type 'help' for commands, Ctrl-C to exit.")
	fmt.Println()

	quiet := false
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("peercrypt> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := splitArgs(line)
		cmd := strings.ToLower(parts[0])
		rest := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			goto done
		case "help", "h", "?":
			fmt.Print(replHelp)
		case "peers":
			time.Sleep(800 * time.Millisecond)
			printPeers(table)
		case "send":
			doSend(cfg, secret, table, rest, quiet)
		case "dir":
			if len(rest) > 0 {
				newDir, _ := filepath.Abs(rest[0])
				os.MkdirAll(newDir, 0755)
				dir = newDir
				close(stopCh)
				ln.Close()
				ln, err = startServer(port)
				if err != nil {
					fmt.Printf("  Cannot bind: %v\n", err)
					break
				}
				stopCh = make(chan struct{})
				go acceptLoop(ln, dir, cfg, secret, stopCh)
				fmt.Printf("  Saving to: %s\n", dir)
			} else {
				fmt.Printf("  Saving to: %s\n", dir)
			}
		case "mode":
			if len(rest) > 0 {
				m := config.Mode(strings.ToLower(rest[0]))
				switch m {
				case config.ModeNormal, config.ModeToken, config.ModeAIMD, config.ModeQoS, config.ModeParallel, config.ModeMulticast:
					cfg.DefaultMode = m
					fmt.Printf("  Mode: %s\n", cfg.DefaultMode)
				default:
					fmt.Printf("  Unknown mode: %s\n", rest[0])
				}
			} else {
				fmt.Printf("  Mode: %s\n", cfg.DefaultMode)
			}
		case "quiet":
			quiet = !quiet
			fmt.Printf("  Quiet mode: %v\n", quiet)
		default:
			fmt.Printf("  Unknown command: '%s'  (type 'help')\n", cmd)
		}
	}

done:
	close(stopCh)
	ln.Close()
	gossiper.Stop()
	fmt.Println("\nBye.")
}

// ─────────────────────────────────────────────────────────────────────────────
// CLI / ENTRY POINT
// ─────────────────────────────────────────────────────────────────────────────

func usage() {
	fmt.Println(`PeerCrypt -- decentralized encrypted file transfer (Go edition)

Usage:
  peercrypt <name>                            Interactive mode (recommended)
  peercrypt <name> receive [--dir DIR]        Receive-only mode
  peercrypt <name> send <target> <path>...    Send one-shot
  peercrypt <name> peers [--wait N]           List peers

Options:
  --port N       UDP/TCP port (default 9900)
  --dir DIR      Save directory (default ./received)
  --secret S     Shared secret for session-key derivation
  --mode NAME    Transmission policy: normal, token_bucket, aimd (default normal)
  --wait N       Peer scan time in seconds (default 3)

Examples:
  peercrypt Alice
  peercrypt Bob send Alice video.mp4
  peercrypt Bob send 10.0.0.4:9900 ./project`)
}

func getFlag(args []string, name string, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		usage()
		return
	}

	myName := args[0]
	args = args[1:]

	portStr, args := getFlag(args, "--port", strconv.Itoa(defaultPort))
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		port = defaultPort
	}

	secretStr, args := getFlag(args, "--secret", "")
	if secretStr == "" {
		fmt.Fprintln(os.Stderr, "warning: --secret not set, using an insecure demo secret (fine for local testing only)")
		secretStr = insecureDemoSecret
	}
	secret := []byte(secretStr)

	modeStr, args := getFlag(args, "--mode", string(config.ModeNormal))
	cfg := config.Default()
	cfg.DefaultMode = config.Mode(modeStr)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
		os.Exit(1)
	}

	dirStr, args := getFlag(args, "--dir", "./received")

	if len(args) == 0 {
		runInteractive(myName, port, dirStr, cfg, secret)
		return
	}

	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "receive":
		dir, _ := filepath.Abs(dirStr)
		os.MkdirAll(dir, 0755)

		_, gossiper, err := startMembership(cfg, myName, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot start membership: %v\n", err)
			os.Exit(1)
		}
		ln, err := startServer(port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot bind port %d: %v\n", port, err)
			os.Exit(1)
		}
		stopCh := make(chan struct{})
		fmt.Printf("PeerCrypt  |  %s  |  port %d  |  saving to %s\n", myName, port, dir)
		fmt.Println("Waiting for transfers... (Ctrl-C to stop)")
		fmt.Println()
		go acceptLoop(ln, dir, cfg, secret, stopCh)
		defer gossiper.Stop()
		select {}

	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: peercrypt <name> send <target> <path> [<path>...]")
			os.Exit(1)
		}
		quiet := false
		for i, a := range args {
			if a == "--quiet" {
				quiet = true
				args = append(args[:i], args[i+1:]...)
				break
			}
		}
		target, paths := args[0], args[1:]

		entries, err := collectEntries(paths)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		table, gossiper, err := startMembership(cfg, myName, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot start membership: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(1 * time.Second)
		host, rport := resolveTarget(table, target, port)
		fmt.Printf("Sending to %s:%d\n", host, rport)

		var total int64
		for _, e := range entries {
			total += e.Size
		}
		fmt.Printf("Sending %d file(s)  (%s)\n\n", len(entries), strings.TrimSpace(fmtSize(float64(total))))

		t0 := time.Now()
		sendErr := sendFiles(context.Background(), cfg, secret, host, rport, entries, quiet)
		gossiper.Stop()
		if sendErr != nil {
			fmt.Fprintf(os.Stderr, "\nTransfer failed: %v\n", sendErr)
			os.Exit(1)
		}
		dt := time.Since(t0).Seconds()
		speed := float64(total) / dt
		fmt.Printf("\nDone  %s in %s  (%s/s avg)\n",
			strings.TrimSpace(fmtSize(float64(total))), fmtTime(dt), strings.TrimSpace(fmtSize(speed)))

	case "peers":
		waitStr, _ := getFlag(args, "--wait", "3")
		waitSec, _ := strconv.ParseFloat(waitStr, 64)
		if waitSec < 1 {
			waitSec = 3
		}
		table, gossiper, err := startMembership(cfg, myName, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot start membership: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Scanning for %.0fs ...\n", waitSec)
		time.Sleep(time.Duration(waitSec * float64(time.Second)))
		printPeers(table)
		gossiper.Stop()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}
