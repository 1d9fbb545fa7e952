// Package frame implements PeerCrypt's three wire formats:
// the 20-byte DATA/ACK/control header family, the 12-byte gossip header,
// and the 16-byte control-channel header. Encoding and decoding are pure
// and deterministic: the same bytes always parse to the same struct, and
// partial frames are never consumed off a stream buffer.
package frame

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"peercrypt/internal/perr"
)

// Type is the frame type byte for the DATA/ACK/control family.
type Type uint8

const (
	TypeData     Type = 0x01
	TypeAck      Type = 0x02
	TypeInit     Type = 0x03
	TypeFin      Type = 0x04
	TypeRst      Type = 0x05
	TypeMetadata Type = 0x06
	TypeError    Type = 0x07
	TypePause    Type = 0x08
	TypeResume   Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeInit:
		return "INIT"
	case TypeFin:
		return "FIN"
	case TypeRst:
		return "RST"
	case TypeMetadata:
		return "METADATA"
	case TypeError:
		return "ERROR"
	case TypePause:
		return "PAUSE"
	case TypeResume:
		return "RESUME"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Flag bits within the 16-bit flags field. Bits 6-15 reserved,
// must be zero.
const (
	FlagEncrypted    uint16 = 1 << 0
	FlagFragmented   uint16 = 1 << 1
	FlagLastFragment uint16 = 1 << 2
	FlagHighPriority uint16 = 1 << 3
	FlagRequiresAck  uint16 = 1 << 4
	FlagCompressed   uint16 = 1 << 5
	flagReservedMask uint16 = 0xFFC0
)

// CurrentVersion is the only version byte this codec accepts.
const CurrentVersion uint8 = 0x01

// HeaderSize is the fixed header length before the payload.
const HeaderSize = 20

// authTokenSize is the width of the truncated HMAC field: the header is
// fixed at 20 bytes with the payload starting at offset 20, and the auth
// token occupies bytes 14-19, so it must be 6 bytes wide, not 8.
const authTokenSize = 6

// MaxPayloadSize bounds a single frame's payload; the length field is 16
// bits wide so 65535 is the hard ceiling regardless of receive-buffer size.
const MaxPayloadSize = 0xFFFF

// Frame is one decoded DATA/ACK/INIT/FIN/RST/METADATA/ERROR/PAUSE/RESUME unit.
type Frame struct {
	Version     uint8
	Type        Type
	Sequence    uint16
	TimestampMS uint32
	Flags       uint16
	AuthToken   [authTokenSize]byte
	Payload     []byte
}

// Encode serializes f and computes its CRC-16 and truncated HMAC-SHA-256
// (over header-with-auth-zeroed || payload) under macKey. The header's CRC
// field is computed over the header (with the CRC field itself zeroed) and
// the payload.
func Encode(f *Frame, macKey []byte) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("frame: payload length %d exceeds %d: %w", len(f.Payload), MaxPayloadSize, perr.ErrLengthOverflow)
	}
	if f.Flags&flagReservedMask != 0 {
		return nil, fmt.Errorf("frame: reserved flag bits set: 0x%04x", f.Flags)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Version
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], f.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], f.TimestampMS)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(f.Payload)))
	// buf[10:12] CRC left zero for the first pass
	binary.BigEndian.PutUint16(buf[12:14], f.Flags)
	// buf[14:20] auth token left zero for the first pass
	copy(buf[HeaderSize:], f.Payload)

	crc := crc16IBM(buf)
	binary.BigEndian.PutUint16(buf[10:12], crc)

	tag := truncatedHMAC(macKey, buf)
	copy(buf[14:14+authTokenSize], tag)

	return buf, nil
}

// Decode attempts to parse one frame from the front of buf, validating in
// a strict order: version, length, CRC, then HMAC.
// maxFrameSize bounds the receive buffer's total capacity; a length field
// that would overflow it is a protocol error, while a merely-incomplete
// frame returns perr.ErrShortBuffer and consumes nothing so the caller can
// keep buffering.
func Decode(buf []byte, maxFrameSize int, macKey []byte) (f *Frame, consumed int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, perr.ErrShortBuffer
	}
	if buf[0] != CurrentVersion {
		return nil, 0, fmt.Errorf("frame: version 0x%02x: %w", buf[0], perr.ErrUnsupportedVersion)
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[8:10]))
	total := HeaderSize + payloadLen
	if total > maxFrameSize {
		return nil, 0, fmt.Errorf("frame: frame size %d exceeds buffer capacity %d: %w", total, maxFrameSize, perr.ErrLengthOverflow)
	}
	if len(buf) < total {
		return nil, 0, perr.ErrShortBuffer
	}

	frameBytes := buf[:total]

	wireCRC := binary.BigEndian.Uint16(frameBytes[10:12])
	var wireTag [authTokenSize]byte
	copy(wireTag[:], frameBytes[14:14+authTokenSize])

	// CRC was computed (at encode time) over the header with both the CRC
	// field and the not-yet-known auth token zeroed, then the payload.
	crcInput := make([]byte, total)
	copy(crcInput, frameBytes)
	binary.BigEndian.PutUint16(crcInput[10:12], 0)
	for i := 0; i < authTokenSize; i++ {
		crcInput[14+i] = 0
	}
	if crc16IBM(crcInput) != wireCRC {
		return nil, 0, perr.ErrBadCRC
	}

	// HMAC was computed over the header with the real CRC already in place
	// and only the auth field zeroed.
	hmacInput := make([]byte, total)
	copy(hmacInput, frameBytes)
	for i := 0; i < authTokenSize; i++ {
		hmacInput[14+i] = 0
	}
	wantTag := truncatedHMAC(macKey, hmacInput)
	if !hmac.Equal(wireTag[:], wantTag) {
		return nil, 0, perr.ErrAuthFailed
	}

	decoded := &Frame{
		Version:     frameBytes[0],
		Type:        Type(frameBytes[1]),
		Sequence:    binary.BigEndian.Uint16(frameBytes[2:4]),
		TimestampMS: binary.BigEndian.Uint32(frameBytes[4:8]),
		Flags:       binary.BigEndian.Uint16(frameBytes[12:14]),
	}
	copy(decoded.AuthToken[:], wireTag[:])
	if payloadLen > 0 {
		decoded.Payload = make([]byte, payloadLen)
		copy(decoded.Payload, frameBytes[HeaderSize:total])
	}

	return decoded, total, nil
}

// AssociatedData returns the stable frame metadata (version, type, sequence,
// timestamp, flags) used as the crypto envelope's associated header bytes,
// binding an encrypted payload to the frame it travels in so it cannot be
// replayed under a different sequence or type.
func AssociatedData(f *Frame) []byte {
	buf := make([]byte, 10)
	buf[0] = f.Version
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], f.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], f.TimestampMS)
	binary.BigEndian.PutUint16(buf[8:10], f.Flags)
	return buf
}

func truncatedHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:authTokenSize]
}
