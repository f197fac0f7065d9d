package server

import (
	"errors"
	"io"
	"net"
	"time"

	"lbshare/pkg/config"
	"lbshare/pkg/logger"
	"lbshare/pkg/monitor"
	"lbshare/pkg/protocol"
	"lbshare/pkg/storage"
	"lbshare/pkg/transfer"
)

// handler owns one accepted connection: its receive loop, its state
// machine and at most one transfer session at a time. Handlers share
// nothing mutable with each other; the filesystem namespace behind the
// store is the only shared resource.
type handler struct {
	conn    net.Conn
	cfg     config.Config
	store   *storage.Store
	machine *transfer.Machine
}

func newHandler(conn net.Conn, cfg config.Config, store *storage.Store) *handler {
	return &handler{
		conn:    conn,
		cfg:     cfg,
		store:   store,
		machine: transfer.NewMachine(),
	}
}

// Run drives the connection until it closes. Any error mid-transfer is
// fatal to this connection only; the accept loop and every other handler
// keep going.
func (h *handler) Run() {
	defer h.conn.Close()

	for {
		msg, err := h.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Sugar.Infof("[Handler] client disconnected: %s", h.conn.RemoteAddr())
				return
			}
			h.fatal(err)
			return
		}

		if err := h.dispatch(msg); err != nil {
			h.fatal(err)
			return
		}
	}
}

func (h *handler) dispatch(msg protocol.Message) error {
	switch h.machine.Current() {
	case transfer.StateIdle:
		if msg.Type != protocol.MsgHandshake {
			return protocol.Errf(protocol.ErrProtocolViolation, "%s before handshake", msg.Type)
		}
		return h.handleHandshake(msg.Payload)

	case transfer.StateReady:
		switch msg.Type {
		case protocol.MsgFileRequest:
			return h.handleDownload(msg.Payload)
		case protocol.MsgUploadStart:
			return h.handleUpload()
		case protocol.MsgListRequest:
			return h.handleList()
		default:
			return protocol.Errf(protocol.ErrProtocolViolation, "%s not allowed in state READY", msg.Type)
		}

	default:
		return protocol.Errf(protocol.ErrProtocolViolation, "%s not allowed in state %s", msg.Type, h.machine.Current())
	}
}

func (h *handler) handleHandshake(payload []byte) error {
	if err := h.machine.BeginHandshake(); err != nil {
		return err
	}
	hs, err := protocol.DecodeHandshake(payload)
	if err != nil {
		return err
	}
	if hs.Major != protocol.VersionMajor {
		return protocol.Errf(protocol.ErrVersionUnsupported, "client version %d.%d.%d, server speaks %d.x", hs.Major, hs.Minor, hs.Patch, protocol.VersionMajor)
	}

	ack := protocol.Message{
		Type: protocol.MsgHandshakeAck,
		Payload: protocol.EncodeHandshake(protocol.Handshake{
			Major: protocol.VersionMajor,
			Minor: protocol.VersionMinor,
			Patch: protocol.VersionPatch,
		}),
	}
	if err := h.write(ack); err != nil {
		return err
	}
	logger.Sugar.Infof("[Handler] handshake complete: %s speaks %d.%d.%d", h.conn.RemoteAddr(), hs.Major, hs.Minor, hs.Patch)
	return h.machine.HandshakeAccepted()
}

// handleDownload streams a served file to the client: metadata first,
// then the ordered chunk stream with no per-chunk acks, then waits for
// the client's verification verdict.
func (h *handler) handleDownload(payload []byte) error {
	name, err := protocol.DecodeFileRequest(payload)
	if err != nil {
		return err
	}
	if err := h.machine.BeginDownload(); err != nil {
		return err
	}
	start := time.Now()

	data, err := h.store.ReadFile(name)
	if err != nil {
		code := protocol.CodeOf(err)
		if code == protocol.ErrFileNotFound || code == protocol.ErrInvalidFilename {
			// No transfer started, the connection is still usable.
			logger.Sugar.Warnf("[Handler] rejected request for %q from %s: %v", name, h.conn.RemoteAddr(), err)
			h.sendError(err)
			h.machine.AbortToReady()
			return nil
		}
		return err
	}

	out, err := transfer.BuildOutgoing(name, data, h.cfg.ChunkSize, h.cfg.CompressionLevel)
	if err != nil {
		return err
	}

	if err := h.write(protocol.Message{Type: protocol.MsgFileMetadata, Payload: protocol.EncodeFileMetadata(out.Meta)}); err != nil {
		return err
	}
	for _, c := range out.Chunks {
		if err := h.write(protocol.Message{Type: protocol.MsgFileChunk, Payload: protocol.EncodeChunk(c)}); err != nil {
			return err
		}
	}

	if err := h.machine.BeginVerify(); err != nil {
		return err
	}

	// The client verifies the reassembled file and reports the verdict.
	msg, err := h.read()
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.MsgUploadComplete:
		if _, err := protocol.DecodeUploadComplete(msg.Payload); err != nil {
			return err
		}
		if err := h.machine.Succeed(); err != nil {
			return err
		}
		monitor.RecordTransfer(int64(out.Meta.Size), time.Since(start))
		logger.Sugar.Infof("[Handler] sent %s (%d bytes, %d chunks) to %s", name, out.Meta.Size, len(out.Chunks), h.conn.RemoteAddr())
		return h.machine.Reset()
	case protocol.MsgError:
		perr, derr := protocol.DecodeError(msg.Payload)
		if derr != nil {
			return derr
		}
		return perr
	default:
		return protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting download verdict", msg.Type)
	}
}

// handleUpload receives a client's file: metadata, then chunks acked one
// by one, written in order to a private temp file and committed under the
// final name only after the digest verifies.
func (h *handler) handleUpload() error {
	if err := h.machine.BeginUpload(); err != nil {
		return err
	}
	start := time.Now()

	msg, err := h.read()
	if err != nil {
		return err
	}
	if msg.Type != protocol.MsgFileMetadata {
		return protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting upload metadata", msg.Type)
	}
	meta, err := protocol.DecodeFileMetadata(msg.Payload)
	if err != nil {
		return err
	}

	tmp, err := h.store.CreateTemp()
	if err != nil {
		return protocol.Errf(protocol.ErrWriteError, "%v", err)
	}
	session, err := transfer.NewSession(meta, tmp)
	if err != nil {
		tmp.Discard()
		return err
	}
	logger.Sugar.Infof("[Handler] receiving %s (%d bytes, %d chunks) from %s", meta.Name, meta.Size, meta.NumChunks(), h.conn.RemoteAddr())

	for !session.Complete() {
		msg, err := h.read()
		if err != nil {
			tmp.Discard()
			return err
		}
		if msg.Type != protocol.MsgFileChunk {
			tmp.Discard()
			return protocol.Errf(protocol.ErrProtocolViolation, "%s during chunk stream", msg.Type)
		}
		chunk, err := protocol.DecodeChunk(msg.Payload)
		if err != nil {
			tmp.Discard()
			return err
		}
		if err := session.AcceptChunk(chunk); err != nil {
			tmp.Discard()
			return err
		}
		if err := h.write(protocol.Message{Type: protocol.MsgChunkAck, Payload: protocol.EncodeChunkAck(chunk.Index)}); err != nil {
			tmp.Discard()
			return err
		}
	}

	if err := h.machine.BeginVerify(); err != nil {
		tmp.Discard()
		return err
	}
	if err := session.Verify(); err != nil {
		tmp.Discard()
		return err
	}
	if err := h.store.Commit(tmp, meta.Name); err != nil {
		return protocol.Errf(protocol.ErrWriteError, "%v", err)
	}

	if err := h.write(protocol.Message{Type: protocol.MsgUploadComplete, Payload: protocol.EncodeUploadComplete(session.Digest())}); err != nil {
		return err
	}
	if err := h.machine.Succeed(); err != nil {
		return err
	}
	monitor.RecordTransfer(int64(meta.Size), time.Since(start))
	logger.Sugar.Infof("[Handler] committed %s (%d bytes) from %s", meta.Name, meta.Size, h.conn.RemoteAddr())
	return h.machine.Reset()
}

func (h *handler) handleList() error {
	files, err := h.store.List()
	if err != nil {
		return protocol.Errf(protocol.ErrWriteError, "%v", err)
	}
	return h.write(protocol.Message{Type: protocol.MsgListResponse, Payload: protocol.EncodeFileList(files)})
}

func (h *handler) read() (protocol.Message, error) {
	if err := h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.ReadMessage(h.conn)
	if err != nil {
		return protocol.Message{}, mapTimeout(err)
	}
	return msg, nil
}

func (h *handler) write(msg protocol.Message) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return mapTimeout(protocol.WriteMessage(h.conn, msg))
}

// fatal surfaces the error to the peer when still reachable, fails the
// machine and lets Run close the socket. Never retried at this layer.
func (h *handler) fatal(err error) {
	logger.Sugar.Errorf("[Handler] connection %s failed in state %s: %v", h.conn.RemoteAddr(), h.machine.Current(), err)
	h.sendError(err)
	h.machine.Fail(err)
	monitor.RecordFailure()
}

func (h *handler) sendError(err error) {
	code := protocol.CodeOf(err)
	if code == 0 {
		code = protocol.ErrWriteError
	}
	perr := &protocol.Error{Code: code, Msg: err.Error()}
	// Best effort: the peer may already be gone.
	_ = h.write(protocol.Message{Type: protocol.MsgError, Payload: protocol.EncodeError(perr)})
}

func mapTimeout(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return protocol.WrapErr(protocol.ErrTimeout, err, "socket deadline exceeded")
	}
	return err
}
