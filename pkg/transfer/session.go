package transfer

import (
	"crypto/sha256"
	"hash"
	"io"

	"lbshare/pkg/chunker"
	"lbshare/pkg/config"
	"lbshare/pkg/integrity"
	"lbshare/pkg/protocol"
	"lbshare/pkg/storage"
)

// Session is the receive-side bookkeeping for one file transfer: the
// metadata it was opened with, the next expected chunk index and the
// running whole-file digest. It exists only for the duration of one
// transfer and is owned by a single connection.
type Session struct {
	Meta protocol.FileMetadata

	sink      io.Writer
	hasher    hash.Hash
	nextIndex uint32
	rawBytes  uint64
}

// NewSession validates the metadata and opens a session writing chunk
// payloads, decompressed and in order, to sink.
func NewSession(meta protocol.FileMetadata, sink io.Writer) (*Session, error) {
	if err := storage.ValidateName(meta.Name); err != nil {
		return nil, err
	}
	if !config.ValidChunkSize(meta.ChunkSize) {
		return nil, protocol.Errf(protocol.ErrInvalidChunkSize, "chunk size %d not in allowed set %v", meta.ChunkSize, config.AllowedChunkSizes)
	}
	return &Session{
		Meta:   meta,
		sink:   sink,
		hasher: sha256.New(),
	}, nil
}

// NextIndex returns the next expected chunk index.
func (s *Session) NextIndex() uint32 {
	return s.nextIndex
}

// BytesReceived returns the raw (uncompressed) bytes accepted so far.
func (s *Session) BytesReceived() uint64 {
	return s.rawBytes
}

// Complete reports whether every chunk has been accepted.
func (s *Session) Complete() bool {
	return s.nextIndex == s.Meta.NumChunks() && s.rawBytes == s.Meta.Size
}

// AcceptChunk consumes one wire chunk. Chunks must arrive with contiguous
// 0-based indices; the protocol offers no selective retransmission, so a
// gap or repeat is a violation, not something to buffer around.
func (s *Session) AcceptChunk(c protocol.Chunk) error {
	if s.Complete() {
		return protocol.Errf(protocol.ErrProtocolViolation, "chunk %d after final chunk", c.Index)
	}
	if c.Index != s.nextIndex {
		return protocol.Errf(protocol.ErrProtocolViolation, "chunk index %d, expected %d", c.Index, s.nextIndex)
	}

	data, err := integrity.DecompressChunk(c.Data, c.Compressed)
	if err != nil {
		return err
	}
	if uint32(len(data)) != c.RawLen {
		return protocol.Errf(protocol.ErrCorruptPayload, "chunk %d decoded to %d bytes, header declared %d", c.Index, len(data), c.RawLen)
	}
	if uint32(len(data)) > s.Meta.ChunkSize {
		return protocol.Errf(protocol.ErrProtocolViolation, "chunk %d is %d bytes, negotiated size is %d", c.Index, len(data), s.Meta.ChunkSize)
	}
	if s.rawBytes+uint64(len(data)) > s.Meta.Size {
		return protocol.Errf(protocol.ErrProtocolViolation, "chunk %d overruns declared file size %d", c.Index, s.Meta.Size)
	}

	if _, err := s.sink.Write(data); err != nil {
		return protocol.Errf(protocol.ErrWriteError, "failed to write chunk %d: %v", c.Index, err)
	}
	s.hasher.Write(data)
	s.rawBytes += uint64(len(data))
	s.nextIndex++
	return nil
}

// Digest returns the running digest over the bytes accepted so far.
func (s *Session) Digest() [protocol.DigestSize]byte {
	var sum [protocol.DigestSize]byte
	copy(sum[:], s.hasher.Sum(nil))
	return sum
}

// Verify compares the accumulated digest against the metadata's declared
// digest. A single mismatch invalidates the whole transfer.
func (s *Session) Verify() error {
	if !s.Complete() {
		return protocol.Errf(protocol.ErrMissingChunk, "verify after %d of %d chunks", s.nextIndex, s.Meta.NumChunks())
	}
	if s.Digest() != s.Meta.Digest {
		return protocol.Errf(protocol.ErrChecksumMismatch, "digest mismatch for %s", s.Meta.Name)
	}
	return nil
}

// Outgoing is the sender-side counterpart: precomputed metadata plus the
// wire-ready chunk sequence for one file.
type Outgoing struct {
	Meta   protocol.FileMetadata
	Chunks []protocol.Chunk
}

// BuildOutgoing splits data, compresses each chunk at the given level and
// computes the whole-file digest, producing everything a sender needs.
func BuildOutgoing(name string, data []byte, chunkSize uint32, level int) (*Outgoing, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	if !config.ValidCompressionLevel(level) {
		return nil, protocol.Errf(protocol.ErrCorruptPayload, "compression level %d not in allowed set %v", level, config.AllowedCompressionLevels)
	}

	raw, err := chunker.Split(data, chunkSize)
	if err != nil {
		return nil, err
	}

	out := &Outgoing{
		Meta: protocol.FileMetadata{
			Name:        name,
			Size:        uint64(len(data)),
			ChunkSize:   chunkSize,
			Compression: level != config.CompressionNone,
			Digest:      integrity.Digest(data),
		},
		Chunks: make([]protocol.Chunk, 0, len(raw)),
	}

	for _, c := range raw {
		payload, compressed, err := integrity.CompressChunk(c.Data, level)
		if err != nil {
			return nil, err
		}
		out.Chunks = append(out.Chunks, protocol.Chunk{
			Index:      c.Index,
			Compressed: compressed,
			RawLen:     uint32(len(c.Data)),
			Data:       payload,
		})
	}
	return out, nil
}
