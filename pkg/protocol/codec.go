package protocol

import (
	"encoding/binary"
	"io"
	"time"
)

// Frame header: [version (1 byte)] + [type (1 byte)] + [length (4 bytes)]
const HeaderSize = 6

// MaxPayloadSize bounds a single frame. The largest legitimate payload is
// a 64 KiB chunk plus its chunk header; everything else is far smaller.
// A header declaring more than this is rejected without reading it.
const MaxPayloadSize = 1 << 20

// WriteMessage frames and writes a single message. The payload length in
// the header always matches len(m.Payload) by construction.
func WriteMessage(w io.Writer, m Message) error {
	if !validMsgType(m.Type) {
		return Errf(ErrMalformedMessage, "cannot encode unknown message type %d", m.Type)
	}

	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = Version
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[2:], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadMessage reads exactly one framed message from the stream. It reads
// the fixed-size header first, then blocks for exactly the declared
// payload length; message boundaries are never guessed from content.
//
// A clean EOF before any header byte is returned as io.EOF so callers can
// distinguish an orderly close from a truncated frame.
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, WrapErr(ErrTruncated, err, "stream ended inside frame header")
	}

	version := header[0]
	msgType := MsgType(header[1])
	length := binary.BigEndian.Uint32(header[2:])

	if version != Version {
		// A handshake from a foreign version is a distinct condition so
		// callers can reject the connection rather than treat it as noise.
		if msgType == MsgHandshake {
			return Message{}, Errf(ErrVersionUnsupported, "peer speaks protocol version %d, want %d", version, Version)
		}
		return Message{}, Errf(ErrMalformedMessage, "unexpected protocol version %d", version)
	}
	if !validMsgType(msgType) {
		return Message{}, Errf(ErrMalformedMessage, "unknown message type %d", header[1])
	}
	if length > MaxPayloadSize {
		return Message{}, Errf(ErrMalformedMessage, "declared payload length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, WrapErr(ErrTruncated, err, "stream ended inside a %d byte payload", length)
	}

	return Message{Type: msgType, Payload: payload}, nil
}

// --- Payload codecs ---

// EncodeHandshake encodes the semantic version triple.
func EncodeHandshake(h Handshake) []byte {
	return []byte{h.Major, h.Minor, h.Patch}
}

func DecodeHandshake(payload []byte) (Handshake, error) {
	if len(payload) != 3 {
		return Handshake{}, Errf(ErrMalformedMessage, "handshake payload is %d bytes, want 3", len(payload))
	}
	return Handshake{Major: payload[0], Minor: payload[1], Patch: payload[2]}, nil
}

// EncodeFileRequest encodes a length-prefixed UTF-8 filename.
func EncodeFileRequest(name string) []byte {
	return appendString(nil, name)
}

func DecodeFileRequest(payload []byte) (string, error) {
	name, rest, err := readString(payload)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", Errf(ErrMalformedMessage, "%d trailing bytes after file request", len(rest))
	}
	return name, nil
}

// EncodeFileMetadata encodes, in order: name, total size, chunk size,
// compression flag, whole-file digest.
func EncodeFileMetadata(m FileMetadata) []byte {
	buf := appendString(nil, m.Name)
	buf = binary.BigEndian.AppendUint64(buf, m.Size)
	buf = binary.BigEndian.AppendUint32(buf, m.ChunkSize)
	buf = append(buf, boolByte(m.Compression))
	buf = append(buf, m.Digest[:]...)
	return buf
}

func DecodeFileMetadata(payload []byte) (FileMetadata, error) {
	name, rest, err := readString(payload)
	if err != nil {
		return FileMetadata{}, err
	}
	if len(rest) != 8+4+1+DigestSize {
		return FileMetadata{}, Errf(ErrMalformedMessage, "metadata payload has %d bytes after name, want %d", len(rest), 8+4+1+DigestSize)
	}
	m := FileMetadata{
		Name:        name,
		Size:        binary.BigEndian.Uint64(rest[:8]),
		ChunkSize:   binary.BigEndian.Uint32(rest[8:12]),
		Compression: rest[12] != 0,
	}
	copy(m.Digest[:], rest[13:])
	return m, nil
}

// EncodeChunk encodes: sequence index, compressed flag, raw length, data.
func EncodeChunk(c Chunk) []byte {
	buf := binary.BigEndian.AppendUint32(nil, c.Index)
	buf = append(buf, boolByte(c.Compressed))
	buf = binary.BigEndian.AppendUint32(buf, c.RawLen)
	buf = append(buf, c.Data...)
	return buf
}

func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < 9 {
		return Chunk{}, Errf(ErrMalformedMessage, "chunk payload is %d bytes, want at least 9", len(payload))
	}
	return Chunk{
		Index:      binary.BigEndian.Uint32(payload[:4]),
		Compressed: payload[4] != 0,
		RawLen:     binary.BigEndian.Uint32(payload[5:9]),
		Data:       payload[9:],
	}, nil
}

// EncodeChunkAck encodes the index of the accepted chunk.
func EncodeChunkAck(index uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, index)
}

func DecodeChunkAck(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, Errf(ErrMalformedMessage, "chunk ack payload is %d bytes, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeUploadComplete carries the receiver's computed whole-file digest,
// confirming what was verified.
func EncodeUploadComplete(digest [DigestSize]byte) []byte {
	out := make([]byte, DigestSize)
	copy(out, digest[:])
	return out
}

func DecodeUploadComplete(payload []byte) ([DigestSize]byte, error) {
	var digest [DigestSize]byte
	if len(payload) != DigestSize {
		return digest, Errf(ErrMalformedMessage, "completion payload is %d bytes, want %d", len(payload), DigestSize)
	}
	copy(digest[:], payload)
	return digest, nil
}

// EncodeFileList encodes a LIST_RESPONSE: entry count, then per entry
// name, size, modified time (unix seconds) and MIME type.
func EncodeFileList(files []FileInfo) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(files)))
	for _, f := range files {
		buf = appendString(buf, f.Name)
		buf = binary.BigEndian.AppendUint64(buf, f.Size)
		buf = binary.BigEndian.AppendUint64(buf, uint64(f.Modified.Unix()))
		buf = appendString(buf, f.Mime)
	}
	return buf
}

func DecodeFileList(payload []byte) ([]FileInfo, error) {
	if len(payload) < 4 {
		return nil, Errf(ErrMalformedMessage, "file list payload is %d bytes, want at least 4", len(payload))
	}
	count := binary.BigEndian.Uint32(payload[:4])
	rest := payload[4:]

	// An entry takes at least 20 bytes (two string length prefixes plus
	// size and modified time), so cap the preallocation by what the
	// payload can actually hold rather than trusting the declared count.
	files := make([]FileInfo, 0, min(count, uint32(len(rest))/20))
	for i := uint32(0); i < count; i++ {
		var (
			f   FileInfo
			err error
		)
		f.Name, rest, err = readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 16 {
			return nil, Errf(ErrMalformedMessage, "file list entry %d truncated", i)
		}
		f.Size = binary.BigEndian.Uint64(rest[:8])
		f.Modified = time.Unix(int64(binary.BigEndian.Uint64(rest[8:16])), 0)
		rest = rest[16:]
		f.Mime, rest, err = readString(rest)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if len(rest) != 0 {
		return nil, Errf(ErrMalformedMessage, "%d trailing bytes after file list", len(rest))
	}
	return files, nil
}

// EncodeError encodes the error code and human-readable message.
func EncodeError(e *Error) []byte {
	buf := []byte{byte(e.Code)}
	return appendString(buf, e.Msg)
}

func DecodeError(payload []byte) (*Error, error) {
	if len(payload) < 1 {
		return nil, Errf(ErrMalformedMessage, "empty error payload")
	}
	msg, rest, err := readString(payload[1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, Errf(ErrMalformedMessage, "%d trailing bytes after error message", len(rest))
	}
	return &Error{Code: ErrorCode(payload[0]), Msg: msg}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, Errf(ErrMalformedMessage, "truncated string length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", nil, Errf(ErrMalformedMessage, "string of declared length %d exceeds payload", n)
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
