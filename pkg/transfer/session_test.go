package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbshare/pkg/config"
	"lbshare/pkg/integrity"
	"lbshare/pkg/protocol"
)

func buildAndReceive(t *testing.T, data []byte, chunkSize uint32, level int) ([]byte, *Session) {
	t.Helper()

	out, err := BuildOutgoing("file.bin", data, chunkSize, level)
	require.NoError(t, err)

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)

	for _, c := range out.Chunks {
		require.NoError(t, session.AcceptChunk(c))
	}
	require.True(t, session.Complete())
	require.NoError(t, session.Verify())
	return sink.Bytes(), session
}

func TestSendReceiveRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("low bandwidth "), 1000)

	for _, size := range config.AllowedChunkSizes {
		for _, level := range config.AllowedCompressionLevels {
			got, session := buildAndReceive(t, data, size, level)
			assert.Equal(t, data, got, "size=%d level=%d", size, level)
			assert.Equal(t, integrity.Digest(data), session.Digest())
		}
	}
}

func TestZeroSizeTransfer(t *testing.T) {
	out, err := BuildOutgoing("empty.bin", nil, config.ChunkSmall, config.CompressionMedium)
	require.NoError(t, err)
	assert.Empty(t, out.Chunks)
	assert.Equal(t, integrity.Digest(nil), out.Meta.Digest)

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)
	assert.True(t, session.Complete())
	require.NoError(t, session.Verify())
	assert.Empty(t, sink.Bytes())
}

func TestExactMultipleProducesFullChunks(t *testing.T) {
	data := make([]byte, 4*config.ChunkSmall)
	out, err := BuildOutgoing("even.bin", data, config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 4)
	for _, c := range out.Chunks {
		assert.Equal(t, uint32(config.ChunkSmall), c.RawLen)
	}
}

func TestAcceptChunkNonContiguous(t *testing.T) {
	out, err := BuildOutgoing("f.bin", make([]byte, 3000), config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 3)

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)

	require.NoError(t, session.AcceptChunk(out.Chunks[0]))
	err = session.AcceptChunk(out.Chunks[2])
	assert.Equal(t, protocol.ErrProtocolViolation, protocol.CodeOf(err))

	// Repeats are violations too; nothing is buffered out of order.
	err = session.AcceptChunk(out.Chunks[0])
	assert.Equal(t, protocol.ErrProtocolViolation, protocol.CodeOf(err))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	data := bytes.Repeat([]byte("payload"), 500)
	out, err := BuildOutgoing("f.bin", data, config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)

	// Flip one raw byte in the second chunk.
	out.Chunks[1].Data[10] ^= 0x01

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)
	for _, c := range out.Chunks {
		require.NoError(t, session.AcceptChunk(c))
	}

	err = session.Verify()
	assert.Equal(t, protocol.ErrChecksumMismatch, protocol.CodeOf(err))
}

func TestVerifyBeforeLastChunk(t *testing.T) {
	out, err := BuildOutgoing("f.bin", make([]byte, 3000), config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)
	require.NoError(t, session.AcceptChunk(out.Chunks[0]))

	err = session.Verify()
	assert.Equal(t, protocol.ErrMissingChunk, protocol.CodeOf(err))
}

func TestAcceptChunkCorruptCompressedPayload(t *testing.T) {
	data := bytes.Repeat([]byte("compress me "), 500)
	out, err := BuildOutgoing("f.bin", data, config.ChunkXLarge, config.CompressionHigh)
	require.NoError(t, err)
	require.NotEmpty(t, out.Chunks)
	require.True(t, out.Chunks[0].Compressed)

	out.Chunks[0].Data = []byte("garbage, not zlib")

	var sink bytes.Buffer
	session, err := NewSession(out.Meta, &sink)
	require.NoError(t, err)
	err = session.AcceptChunk(out.Chunks[0])
	assert.Equal(t, protocol.ErrCorruptPayload, protocol.CodeOf(err))
}

func TestNewSessionValidation(t *testing.T) {
	var sink bytes.Buffer

	_, err := NewSession(protocol.FileMetadata{Name: "../bad", ChunkSize: 1024}, &sink)
	assert.Equal(t, protocol.ErrInvalidFilename, protocol.CodeOf(err))

	_, err = NewSession(protocol.FileMetadata{Name: "ok.txt", ChunkSize: 999}, &sink)
	assert.Equal(t, protocol.ErrInvalidChunkSize, protocol.CodeOf(err))
}

func TestAcceptChunkOversizedRaw(t *testing.T) {
	meta := protocol.FileMetadata{Name: "f.bin", Size: 5000, ChunkSize: config.ChunkSmall}
	var sink bytes.Buffer
	session, err := NewSession(meta, &sink)
	require.NoError(t, err)

	big := make([]byte, config.ChunkSmall+1)
	err = session.AcceptChunk(protocol.Chunk{Index: 0, RawLen: uint32(len(big)), Data: big})
	assert.Equal(t, protocol.ErrProtocolViolation, protocol.CodeOf(err))
}
