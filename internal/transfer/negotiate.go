package transfer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// InitPayload is the JSON body carried by an INIT frame. It negotiates
// everything the receiver needs before the first DATA frame arrives: the
// file's identity and the key-derivation salt.
type InitPayload struct {
	FileName    string `json:"file_name"`
	TotalLength int64  `json:"total_length"`
	ChunkSize   int    `json:"chunk_size"`
	ChecksumHex string `json:"checksum_hex"`
	SaltHex     string `json:"salt_hex"`
}

// EncodeInit marshals meta and salt into an InitPayload's wire JSON.
func EncodeInit(meta FileMeta, salt []byte) ([]byte, error) {
	p := InitPayload{
		FileName:    meta.Name,
		TotalLength: meta.TotalLength,
		ChunkSize:   meta.ChunkSize,
		ChecksumHex: hex.EncodeToString(meta.Checksum[:]),
		SaltHex:     hex.EncodeToString(salt),
	}
	return json.Marshal(p)
}

// DecodeInit parses an InitPayload and recovers the FileMeta and salt it
// negotiates.
func DecodeInit(payload []byte) (FileMeta, []byte, error) {
	var p InitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return FileMeta{}, nil, fmt.Errorf("transfer: decode init payload: %w", err)
	}
	checksum, err := hex.DecodeString(p.ChecksumHex)
	if err != nil || len(checksum) != 32 {
		return FileMeta{}, nil, fmt.Errorf("transfer: init payload checksum malformed")
	}
	salt, err := hex.DecodeString(p.SaltHex)
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("transfer: init payload salt malformed: %w", err)
	}
	meta := FileMeta{Name: p.FileName, TotalLength: p.TotalLength, ChunkSize: p.ChunkSize}
	copy(meta.Checksum[:], checksum)
	return meta, salt, nil
}
