package protocol

import "time"

// Version is the wire protocol version carried in every frame header.
const Version = 1

// Semantic version advertised during the handshake.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// MsgType identifies a protocol message. The set is closed: decoders
// reject anything outside it.
type MsgType uint8

const (
	MsgHandshake      MsgType = 0x01
	MsgHandshakeAck   MsgType = 0x02
	MsgFileRequest    MsgType = 0x03
	MsgFileMetadata   MsgType = 0x04
	MsgFileChunk      MsgType = 0x05
	MsgChunkAck       MsgType = 0x06
	MsgUploadStart    MsgType = 0x07
	MsgUploadComplete MsgType = 0x08
	MsgListRequest    MsgType = 0x09
	MsgListResponse   MsgType = 0x0A
	MsgError          MsgType = 0x0B
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgHandshakeAck:
		return "HANDSHAKE_ACK"
	case MsgFileRequest:
		return "FILE_REQUEST"
	case MsgFileMetadata:
		return "FILE_METADATA"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgChunkAck:
		return "CHUNK_ACK"
	case MsgUploadStart:
		return "UPLOAD_START"
	case MsgUploadComplete:
		return "UPLOAD_COMPLETE"
	case MsgListRequest:
		return "LIST_REQUEST"
	case MsgListResponse:
		return "LIST_RESPONSE"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func validMsgType(t MsgType) bool {
	return t >= MsgHandshake && t <= MsgError
}

// Message is one framed unit on the wire: a type plus its raw payload.
// Payload interpretation is determined by Type via the payload codecs.
type Message struct {
	Type    MsgType
	Payload []byte
}

// DigestSize is the width of the whole-file SHA-256 digest.
const DigestSize = 32

// Handshake carries the sender's semantic protocol version.
type Handshake struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// FileMetadata describes a file before its chunk stream. Created once by
// the sender, immutable afterwards.
type FileMetadata struct {
	Name        string
	Size        uint64
	ChunkSize   uint32
	Compression bool
	Digest      [DigestSize]byte
}

// NumChunks returns the chunk count for the metadata's size and chunk size.
func (m FileMetadata) NumChunks() uint32 {
	if m.Size == 0 {
		return 0
	}
	return uint32((m.Size + uint64(m.ChunkSize) - 1) / uint64(m.ChunkSize))
}

// Chunk is one ordered unit of file data. Data is the wire payload: the
// compressed bytes when Compressed is set, the raw bytes otherwise.
// RawLen is always the uncompressed length.
type Chunk struct {
	Index      uint32
	Compressed bool
	RawLen     uint32
	Data       []byte
}

// FileInfo is one entry of a LIST_RESPONSE.
type FileInfo struct {
	Name     string
	Size     uint64
	Modified time.Time
	Mime     string
}
