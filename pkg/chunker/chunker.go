// Package chunker splits file data into fixed-size ordered chunks and
// reassembles them. It is independent of compression and checksumming;
// chunks here always carry raw bytes.
package chunker

import (
	"lbshare/pkg/config"
	"lbshare/pkg/protocol"
)

// Chunk is one ordered slice of a file. Index i covers byte range
// [i*size, min((i+1)*size, total)).
type Chunk struct {
	Index uint32
	Data  []byte
}

// Count returns the number of chunks a file of total bytes splits into.
func Count(total uint64, size uint32) uint32 {
	if total == 0 {
		return 0
	}
	return uint32((total + uint64(size) - 1) / uint64(size))
}

// Split divides data into ordered chunks of the given size. The size must
// belong to the allowed set; the final chunk may be shorter. An empty
// input yields an empty sequence.
func Split(data []byte, size uint32) ([]Chunk, error) {
	if !config.ValidChunkSize(size) {
		return nil, protocol.Errf(protocol.ErrInvalidChunkSize, "chunk size %d not in allowed set %v", size, config.AllowedChunkSizes)
	}

	chunks := make([]Chunk, 0, Count(uint64(len(data)), size))
	for start, index := 0, uint32(0); start < len(data); start, index = start+int(size), index+1 {
		end := start + int(size)
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{Index: index, Data: data[start:end]})
	}
	return chunks, nil
}

// Join reassembles chunks into the original byte sequence. Chunks must be
// presented in strictly increasing index order with no gaps; callers that
// receive chunks out of order are expected to reorder upstream.
func Join(chunks []Chunk) ([]byte, error) {
	var total int
	for i, c := range chunks {
		if c.Index != uint32(i) {
			if c.Index > uint32(i) {
				return nil, protocol.Errf(protocol.ErrMissingChunk, "chunk %d absent, got %d", i, c.Index)
			}
			return nil, protocol.Errf(protocol.ErrOutOfOrder, "chunk %d presented at position %d", c.Index, i)
		}
		total += len(c.Data)
	}

	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out, nil
}
