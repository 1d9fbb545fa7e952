package frame

import (
	"encoding/binary"
	"fmt"
	"net"

	"peercrypt/internal/perr"
)

// GossipType is the message type byte of the 12-byte gossip header.
type GossipType uint8

const (
	GossipHello GossipType = 0x01
	GossipPeers GossipType = 0x02
	GossipPing  GossipType = 0x03
	GossipPong  GossipType = 0x04
	GossipLeave GossipType = 0x05
)

const (
	gossipHeaderSize = 12
	peerEntrySize    = 24
)

// PeerEntry is one 24-byte entry in a PEERS sample.
type PeerEntry struct {
	NodeID      uint32
	IP          net.IP // IPv4-mapped IPv6, 16 bytes on the wire
	Port        uint16
	Reliability uint16 // fixed-point Q0.16: value/65535.0 is the [0,1] score
}

// GossipMessage is a decoded HELLO/PEERS/PING/PONG/LEAVE datagram.
//
// The wire header has no dedicated nonce field for health-check PING/PONG.
// PeerCrypt reuses the 4-byte timestamp field as the nonce instead: the
// pinger stamps it with a locally-chosen value and the PONG echoes it back
// verbatim, the same timestamp-echo pattern the AIMD transfer frames use
// for RTT sampling.
type GossipMessage struct {
	Version      uint8
	Type         GossipType
	SourceNodeID uint32
	TimestampMS  uint32
	Peers        []PeerEntry
}

// EncodeGossip serializes m into the 12-byte header + peer-entry wire
// format. Only PEERS carries entries; other types must pass a nil/empty
// slice.
func EncodeGossip(m *GossipMessage) ([]byte, error) {
	if len(m.Peers) > 0xFFFF {
		return nil, fmt.Errorf("frame: gossip peer count %d exceeds field width", len(m.Peers))
	}

	buf := make([]byte, gossipHeaderSize+4+len(m.Peers)*peerEntrySize)
	buf[0] = m.Version
	buf[1] = byte(m.Type)
	// buf[2:4] reserved, zero
	binary.BigEndian.PutUint32(buf[4:8], m.SourceNodeID)
	binary.BigEndian.PutUint32(buf[8:12], m.TimestampMS)

	binary.BigEndian.PutUint16(buf[12:14], uint16(len(m.Peers)))
	// buf[14:16] reserved, zero

	off := gossipHeaderSize + 4
	for _, p := range m.Peers {
		binary.BigEndian.PutUint32(buf[off:off+4], p.NodeID)
		ip16 := p.IP.To16()
		if ip16 == nil {
			ip16 = make([]byte, 16)
		}
		copy(buf[off+4:off+20], ip16)
		binary.BigEndian.PutUint16(buf[off+20:off+22], p.Port)
		binary.BigEndian.PutUint16(buf[off+22:off+24], p.Reliability)
		// last_seen_ms(4) and reserved(4) omitted from this struct view are
		// zeroed; membership recomputes last-seen locally on receipt.
		off += peerEntrySize
	}
	return buf, nil
}

// DecodeGossip parses a full gossip datagram (UDP delivers whole
// datagrams, so there is no partial-frame buffering concern here unlike
// the stream-oriented frame family).
func DecodeGossip(buf []byte) (*GossipMessage, error) {
	if len(buf) < gossipHeaderSize+4 {
		return nil, fmt.Errorf("frame: gossip datagram too short (%d bytes): %w", len(buf), perr.ErrShortBuffer)
	}
	m := &GossipMessage{
		Version:      buf[0],
		Type:         GossipType(buf[1]),
		SourceNodeID: binary.BigEndian.Uint32(buf[4:8]),
		TimestampMS:  binary.BigEndian.Uint32(buf[8:12]),
	}
	count := int(binary.BigEndian.Uint16(buf[12:14]))
	off := gossipHeaderSize + 4
	need := off + count*peerEntrySize
	if len(buf) < need {
		return nil, fmt.Errorf("frame: gossip datagram declares %d peers but is short: %w", count, perr.ErrShortBuffer)
	}
	m.Peers = make([]PeerEntry, 0, count)
	for i := 0; i < count; i++ {
		e := buf[off : off+peerEntrySize]
		ip := make(net.IP, 16)
		copy(ip, e[4:20])
		m.Peers = append(m.Peers, PeerEntry{
			NodeID:      binary.BigEndian.Uint32(e[0:4]),
			IP:          ip,
			Port:        binary.BigEndian.Uint16(e[20:22]),
			Reliability: binary.BigEndian.Uint16(e[22:24]),
		})
		off += peerEntrySize
	}
	return m, nil
}

// ReliabilityToQ16 converts a [0,1] reliability score to its Q0.16
// fixed-point wire representation.
func ReliabilityToQ16(r float64) uint16 {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return uint16(r * 65535.0)
}

// Q16ToReliability converts a Q0.16 wire value back to a [0,1] float.
func Q16ToReliability(q uint16) float64 {
	return float64(q) / 65535.0
}
