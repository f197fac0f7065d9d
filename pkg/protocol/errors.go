package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a protocol failure on the wire and in Go errors.
// Codes are part of the wire contract (ERROR payload) and must not be
// renumbered.
type ErrorCode uint8

const (
	ErrVersionUnsupported ErrorCode = 1
	ErrMalformedMessage   ErrorCode = 2
	ErrTruncated          ErrorCode = 3
	ErrInvalidChunkSize   ErrorCode = 4
	ErrInvalidFilename    ErrorCode = 5
	ErrFileNotFound       ErrorCode = 6
	ErrMissingChunk       ErrorCode = 7
	ErrOutOfOrder         ErrorCode = 8
	ErrCorruptPayload     ErrorCode = 9
	ErrChecksumMismatch   ErrorCode = 10
	ErrWriteError         ErrorCode = 11
	ErrProtocolViolation  ErrorCode = 12
	ErrTimeout            ErrorCode = 13
)

func (c ErrorCode) String() string {
	switch c {
	case ErrVersionUnsupported:
		return "VERSION_UNSUPPORTED"
	case ErrMalformedMessage:
		return "MALFORMED_MESSAGE"
	case ErrTruncated:
		return "TRUNCATED"
	case ErrInvalidChunkSize:
		return "INVALID_CHUNK_SIZE"
	case ErrInvalidFilename:
		return "INVALID_FILENAME"
	case ErrFileNotFound:
		return "FILE_NOT_FOUND"
	case ErrMissingChunk:
		return "MISSING_CHUNK"
	case ErrOutOfOrder:
		return "OUT_OF_ORDER"
	case ErrCorruptPayload:
		return "CORRUPT_PAYLOAD"
	case ErrChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case ErrWriteError:
		return "WRITE_ERROR"
	case ErrProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ErrTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// Error is a protocol-level failure. It travels as an ERROR message when
// the peer is still reachable and doubles as a regular Go error locally.
type Error struct {
	Code ErrorCode
	Msg  string

	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap exposes the underlying cause, e.g. the net error behind a
// TRUNCATED read, so callers can still classify it with errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Errf builds a protocol Error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr builds a protocol Error that keeps err as its cause.
func WrapErr(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...) + ": " + err.Error(), cause: err}
}

// CodeOf extracts the protocol error code from err, or 0 if err does not
// wrap a protocol Error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
