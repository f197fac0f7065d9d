// Package integrity provides whole-file digests and per-chunk compression.
// The digest covers the entire reassembled file; compression is applied
// chunk by chunk so boundaries stay meaningful for transfer bookkeeping.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/klauspost/compress/zlib"

	"lbshare/pkg/config"
	"lbshare/pkg/protocol"
)

// Digest computes the SHA-256 digest of data.
func Digest(data []byte) [protocol.DigestSize]byte {
	return sha256.Sum256(data)
}

// Compress deflates data with the given zlib level. Level must belong to
// the allowed set. CompressionNone still produces a framed zlib stream
// (stored blocks), so Decompress round-trips every level.
func Compress(data []byte, level int) ([]byte, error) {
	if !config.ValidCompressionLevel(level) {
		return nil, protocol.Errf(protocol.ErrCorruptPayload, "compression level %d not in allowed set %v", level, config.AllowedCompressionLevels)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data. Malformed input is a fatal transfer
// error, never retried.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, protocol.Errf(protocol.ErrCorruptPayload, "bad compressed payload: %v", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, protocol.Errf(protocol.ErrCorruptPayload, "bad compressed payload: %v", err)
	}
	return out, nil
}

// CompressChunk prepares one chunk payload for the wire. It compresses
// with the given level and keeps the raw bytes whenever compression does
// not shrink the chunk, so incompressible chunks travel unmodified. The
// returned flag records which form was chosen.
func CompressChunk(data []byte, level int) ([]byte, bool, error) {
	if level == config.CompressionNone {
		return data, false, nil
	}
	compressed, err := Compress(data, level)
	if err != nil {
		return nil, false, err
	}
	if len(compressed) >= len(data) {
		return data, false, nil
	}
	return compressed, true, nil
}

// DecompressChunk undoes CompressChunk according to the chunk's flag.
func DecompressChunk(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return Decompress(data)
}
