package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"peercrypt/internal/perr"
)

// ControlType is the message type byte of the control channel.
type ControlType uint8

const (
	ControlModeChange       ControlType = 0x01
	ControlFileInfo         ControlType = 0x02
	ControlCongestionParams ControlType = 0x03
	ControlError            ControlType = 0xFF
)

const controlHeaderSize = 16

// ControlMessage carries out-of-band session parameters as a JSON blob
// behind a fixed 16-byte header.
type ControlMessage struct {
	Version     uint8
	Type        ControlType
	MessageID   uint16
	TimestampMS uint32
	Flags       uint16
	Mode        uint16
	Parameters  json.RawMessage
}

// EncodeControl serializes m; Parameters must already be valid JSON (or nil).
func EncodeControl(m *ControlMessage) ([]byte, error) {
	params := m.Parameters
	if params == nil {
		params = json.RawMessage("null")
	}
	if len(params) > 0xFFFFFFFF {
		return nil, fmt.Errorf("frame: control parameter blob too large")
	}

	buf := make([]byte, controlHeaderSize+len(params))
	buf[0] = m.Version
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	binary.BigEndian.PutUint32(buf[4:8], m.TimestampMS)
	binary.BigEndian.PutUint16(buf[8:10], m.Flags)
	binary.BigEndian.PutUint16(buf[10:12], m.Mode)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(params)))
	copy(buf[controlHeaderSize:], params)
	return buf, nil
}

// DecodeControl parses one control message, returning perr.ErrShortBuffer
// if buf does not yet hold the declared parameter blob in full.
func DecodeControl(buf []byte) (*ControlMessage, int, error) {
	if len(buf) < controlHeaderSize {
		return nil, 0, perr.ErrShortBuffer
	}
	paramLen := int(binary.BigEndian.Uint32(buf[12:16]))
	total := controlHeaderSize + paramLen
	if len(buf) < total {
		return nil, 0, perr.ErrShortBuffer
	}

	m := &ControlMessage{
		Version:     buf[0],
		Type:        ControlType(buf[1]),
		MessageID:   binary.BigEndian.Uint16(buf[2:4]),
		TimestampMS: binary.BigEndian.Uint32(buf[4:8]),
		Flags:       binary.BigEndian.Uint16(buf[8:10]),
		Mode:        binary.BigEndian.Uint16(buf[10:12]),
	}
	if paramLen > 0 {
		m.Parameters = json.RawMessage(append([]byte(nil), buf[controlHeaderSize:total]...))
	}
	return m, total, nil
}
