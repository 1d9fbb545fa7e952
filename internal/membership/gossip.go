package membership

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"peercrypt/internal/config"
	"peercrypt/internal/frame"
)

// Default multicast rendezvous point for bootstrap HELLO announcements.
// Chosen to avoid colliding with unrelated multicast discovery traffic on
// a shared LAN.
const (
	DefaultMulticastGroup = "239.255.77.77"
	DefaultMulticastPort  = 7946
)

// Gossiper runs the periodic gossip round, the multicast HELLO announce
// loop, and dispatches inbound gossip datagrams into the peer Table.
type Gossiper struct {
	cfg    config.Config
	table  *Table
	self   Key
	logger *slog.Logger

	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	groupAddr *net.UDPAddr

	stopCh chan struct{}
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	pongWaiters   map[pongKey]chan struct{}
	pongWaitersMu sync.Mutex
}

type pongKey struct {
	node  uint32
	nonce uint32
}

// NewGossiper builds a Gossiper bound to self's identity and the shared
// table. logger defaults to slog.Default() if nil.
func NewGossiper(cfg config.Config, table *Table, self Key, logger *slog.Logger) *Gossiper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gossiper{
		cfg:         cfg,
		table:       table,
		self:        self,
		logger:      logger,
		stopCh:      make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		pongWaiters: make(map[pongKey]chan struct{}),
	}
}

// Start binds the gossip UDP socket, joins the multicast group for
// bootstrap HELLOs, and launches the announce and receive loops.
func (g *Gossiper) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", g.self.Port))
	if err != nil {
		return fmt.Errorf("membership: resolve gossip addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("membership: listen gossip udp: %w", err)
	}
	g.conn = conn
	g.pc = ipv4.NewPacketConn(conn)
	g.groupAddr = &net.UDPAddr{IP: net.ParseIP(DefaultMulticastGroup), Port: DefaultMulticastPort}

	if iface := bestMulticastInterface(); iface != nil {
		if err := g.pc.JoinGroup(iface, g.groupAddr); err != nil {
			g.logger.Warn("joining multicast group on best interface failed, falling back to all interfaces", "err", err)
			g.joinAllInterfaces()
		}
	} else {
		g.joinAllInterfaces()
	}
	g.pc.SetMulticastTTL(4)

	if !g.cfg.DisableGossip {
		g.wg.Add(2)
		go g.announceLoop()
		go g.roundLoop()
	}
	g.wg.Add(1)
	go g.recvLoop()
	return nil
}

func (g *Gossiper) joinAllInterfaces() {
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		g.pc.JoinGroup(&iface, g.groupAddr)
	}
}

func bestMulticastInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, _ := iface.Addrs(); len(addrs) > 0 {
			ifc := iface
			return &ifc
		}
	}
	return nil
}

// Stop halts all loops and closes the socket.
func (g *Gossiper) Stop() {
	close(g.stopCh)
	if g.conn != nil {
		g.leave()
		g.conn.Close()
	}
	g.wg.Wait()
}

func (g *Gossiper) leave() {
	msg := &frame.GossipMessage{Version: frame.CurrentVersion, Type: frame.GossipLeave, SourceNodeID: g.self.NodeID, TimestampMS: nowMS()}
	wire, err := frame.EncodeGossip(msg)
	if err == nil {
		g.conn.WriteTo(wire, g.groupAddr)
	}
}

func (g *Gossiper) announceLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	g.announce()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.announce()
		}
	}
}

func (g *Gossiper) announce() {
	self := frame.PeerEntry{NodeID: g.self.NodeID, IP: net.ParseIP(g.self.Address), Port: uint16(g.self.Port), Reliability: frame.ReliabilityToQ16(1.0)}
	msg := &frame.GossipMessage{
		Version:      frame.CurrentVersion,
		Type:         frame.GossipHello,
		SourceNodeID: g.self.NodeID,
		TimestampMS:  nowMS(),
		Peers:        []frame.PeerEntry{self},
	}
	wire, err := frame.EncodeGossip(msg)
	if err != nil {
		g.logger.Warn("encode HELLO failed", "err", err)
		return
	}
	g.conn.WriteTo(wire, g.groupAddr)
}

// roundLoop implements the gossip round: every gossip_interval,
// pick up to k random known peers and send each a PEERS sample.
func (g *Gossiper) roundLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.round()
		}
	}
}

func (g *Gossiper) round() {
	all := g.table.Snapshot()
	targets := g.pickRandom(all, g.cfg.GossipFanout)
	if len(targets) == 0 {
		return
	}
	sample := g.table.SampleForGossip(g.cfg.GossipSample, g.cfg.GossipSample)
	entries := make([]frame.PeerEntry, 0, len(sample))
	for _, p := range sample {
		entries = append(entries, frame.PeerEntry{
			NodeID:      p.NodeID,
			IP:          net.ParseIP(p.Address),
			Port:        uint16(p.Port),
			Reliability: frame.ReliabilityToQ16(p.Reliability),
		})
	}
	msg := &frame.GossipMessage{
		Version:      frame.CurrentVersion,
		Type:         frame.GossipPeers,
		SourceNodeID: g.self.NodeID,
		TimestampMS:  nowMS(),
		Peers:        entries,
	}
	wire, err := frame.EncodeGossip(msg)
	if err != nil {
		g.logger.Warn("encode PEERS failed", "err", err)
		return
	}
	for _, target := range targets {
		dst := &net.UDPAddr{IP: net.ParseIP(target.Address), Port: target.Port}
		if _, err := g.conn.WriteTo(wire, dst); err != nil {
			g.table.RecordFailure(target.Key)
			continue
		}
	}
}

func (g *Gossiper) pickRandom(peers []Peer, k int) []Peer {
	if len(peers) <= k {
		return peers
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	shuffled := append([]Peer(nil), peers...)
	g.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}

func (g *Gossiper) recvLoop() {
	defer g.wg.Done()
	buf := make([]byte, 65535)
	for {
		g.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := g.conn.ReadFromUDP(buf)
		select {
		case <-g.stopCh:
			return
		default:
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return
		}
		msg, err := frame.DecodeGossip(buf[:n])
		if err != nil {
			continue
		}
		g.handle(msg, addr)
	}
}

func (g *Gossiper) handle(msg *frame.GossipMessage, src *net.UDPAddr) {
	if msg.SourceNodeID == g.self.NodeID {
		return
	}
	senderKey := Key{NodeID: msg.SourceNodeID, Address: src.IP.String(), Port: src.Port}

	switch msg.Type {
	case frame.GossipHello:
		g.table.Upsert(senderKey)
		for _, e := range msg.Peers {
			g.mergeEntry(e)
		}

	case frame.GossipPeers:
		g.table.RecordSuccess(senderKey)
		for _, e := range msg.Peers {
			g.mergeEntry(e)
		}

	case frame.GossipPing:
		pong := &frame.GossipMessage{Version: frame.CurrentVersion, Type: frame.GossipPong, SourceNodeID: g.self.NodeID, TimestampMS: msg.TimestampMS}
		wire, err := frame.EncodeGossip(pong)
		if err == nil {
			g.conn.WriteTo(wire, src)
		}

	case frame.GossipPong:
		g.deliverPong(senderKey, msg.TimestampMS)

	case frame.GossipLeave:
		g.table.RecordFailure(senderKey)
	}
}

func (g *Gossiper) mergeEntry(e frame.PeerEntry) {
	key := Key{NodeID: e.NodeID, Address: e.IP.String(), Port: int(e.Port)}
	if key == g.self {
		return
	}
	g.table.Upsert(key)
}

// Join sends a unicast HELLO to a bootstrap peer, which adds this node to
// its table (supplemented from original_source's
// PeerDiscovery.join_network: a fresh node otherwise has no peers to gossip
// with at all). The bootstrap sends no direct reply; this node learns the
// mesh from the PEERS samples the bootstrap sends it in later gossip rounds.
func (g *Gossiper) Join(bootstrapAddr string, bootstrapPort int) error {
	self := frame.PeerEntry{NodeID: g.self.NodeID, IP: net.ParseIP(g.self.Address), Port: uint16(g.self.Port), Reliability: frame.ReliabilityToQ16(1.0)}
	msg := &frame.GossipMessage{
		Version:      frame.CurrentVersion,
		Type:         frame.GossipHello,
		SourceNodeID: g.self.NodeID,
		TimestampMS:  nowMS(),
		Peers:        []frame.PeerEntry{self},
	}
	wire, err := frame.EncodeGossip(msg)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(bootstrapAddr), Port: bootstrapPort}
	_, err = g.conn.WriteTo(wire, dst)
	return err
}

func nowMS() uint32 {
	return uint32(time.Now().UnixMilli())
}
