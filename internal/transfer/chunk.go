package transfer

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
)

// SourceFile reads a local file chunk-by-chunk for the sender side,
// incrementally hashing every byte read so the file-level SHA-256 is ready
// the moment the last chunk has been read.
type SourceFile struct {
	f      *os.File
	meta   FileMeta
	hasher hash.Hash
}

// OpenSource opens path and derives its FileMeta (size, chunk count under
// chunkSize). Name is set to the file's base name, which the caller may
// override; Checksum is left zero, since the file-level hash is only known
// once every chunk has been read (see Checksum).
func OpenSource(path string, chunkSize int) (*SourceFile, FileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("transfer: open source file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileMeta{}, fmt.Errorf("transfer: stat source file: %w", err)
	}
	meta := FileMeta{Name: info.Name(), TotalLength: info.Size(), ChunkSize: chunkSize}
	return &SourceFile{f: f, meta: meta, hasher: sha256.New()}, meta, nil
}

// ReadChunk reads exactly the bytes chunk i covers and folds them into the running file-level hash. Chunks must
// be read in order for the hash to be meaningful; callers that retransmit
// re-read the same bytes but must not re-feed the hasher (see
// ReadChunkNoHash).
func (s *SourceFile) ReadChunk(i int) ([]byte, error) {
	start, end := s.meta.ChunkRange(i)
	buf := make([]byte, end-start)
	if len(buf) > 0 {
		if _, err := s.f.ReadAt(buf, start); err != nil {
			return nil, fmt.Errorf("transfer: read chunk %d: %w", i, err)
		}
	}
	s.hasher.Write(buf)
	return buf, nil
}

// ReadChunkNoHash re-reads a chunk's bytes (for retransmission) without
// perturbing the running file hash, which must only ever see each byte once.
func (s *SourceFile) ReadChunkNoHash(i int) ([]byte, error) {
	start, end := s.meta.ChunkRange(i)
	buf := make([]byte, end-start)
	if len(buf) > 0 {
		if _, err := s.f.ReadAt(buf, start); err != nil {
			return nil, fmt.Errorf("transfer: read chunk %d: %w", i, err)
		}
	}
	return buf, nil
}

// Checksum returns the SHA-256 of every byte ReadChunk has fed it so far;
// call once all chunks have been read in order.
func (s *SourceFile) Checksum() [32]byte {
	var out [32]byte
	copy(out[:], s.hasher.Sum(nil))
	return out
}

func (s *SourceFile) Close() error { return s.f.Close() }

// SinkFile is the receiver-side counterpart: an output file written at
// chunk offsets (so out-of-order and range-parallel writes land correctly)
// plus a running hash fed only by in-order chunks.
type SinkFile struct {
	f      *os.File
	meta   FileMeta
	hasher hash.Hash
}

// CreateSink creates (truncating) the destination file for meta.
func CreateSink(path string, meta FileMeta) (*SinkFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: create sink file: %w", err)
	}
	return &SinkFile{f: f, meta: meta, hasher: sha256.New()}, nil
}

// WriteChunk writes data at chunk i's byte offset and folds it into the
// running hash. Callers must only call this once per chunk, in the order
// chunks become contiguous.
func (s *SinkFile) WriteChunk(i int, data []byte) error {
	start, _ := s.meta.ChunkRange(i)
	if len(data) > 0 {
		if _, err := s.f.WriteAt(data, start); err != nil {
			return fmt.Errorf("transfer: write chunk %d: %w", i, err)
		}
	}
	s.hasher.Write(data)
	return nil
}

// Checksum returns the running SHA-256 for comparison against the
// sender's file-level checksum at FIN.
func (s *SinkFile) Checksum() [32]byte {
	var out [32]byte
	copy(out[:], s.hasher.Sum(nil))
	return out
}

func (s *SinkFile) Close() error { return s.f.Close() }

// Remove deletes the backing file, used when integrity verification fails
// and the receiver must discard partial output.
func (s *SinkFile) Remove() error {
	path := s.f.Name()
	s.f.Close()
	return os.Remove(path)
}
