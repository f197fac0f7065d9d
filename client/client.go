// Package client implements the requesting side of the lbshare protocol:
// connect and handshake, then sequential download, upload and list
// operations over one connection.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"lbshare/pkg/config"
	"lbshare/pkg/logger"
	"lbshare/pkg/monitor"
	"lbshare/pkg/protocol"
	"lbshare/pkg/transfer"
)

type Client struct {
	addr    string
	cfg     config.Config
	conn    net.Conn
	machine *transfer.Machine

	// ShowProgress enables the console progress line during transfers.
	ShowProgress bool
}

// NewClient builds a client for the given server address.
func NewClient(addr string, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return &Client{
		addr:    addr,
		cfg:     cfg,
		machine: transfer.NewMachine(),
	}, nil
}

// Connect dials the server and performs the version handshake.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}
	c.conn = conn

	if err := c.machine.BeginHandshake(); err != nil {
		return c.fail(err)
	}
	hs := protocol.EncodeHandshake(protocol.Handshake{
		Major: protocol.VersionMajor,
		Minor: protocol.VersionMinor,
		Patch: protocol.VersionPatch,
	})
	if err := c.write(protocol.Message{Type: protocol.MsgHandshake, Payload: hs}); err != nil {
		return c.fail(err)
	}

	msg, err := c.read()
	if err != nil {
		return c.fail(err)
	}
	switch msg.Type {
	case protocol.MsgHandshakeAck:
		ack, err := protocol.DecodeHandshake(msg.Payload)
		if err != nil {
			return c.fail(err)
		}
		if err := c.machine.HandshakeAccepted(); err != nil {
			return c.fail(err)
		}
		logger.Sugar.Infof("[Client] connected to %s, server speaks %d.%d.%d", c.addr, ack.Major, ack.Minor, ack.Patch)
		return nil
	case protocol.MsgError:
		perr, derr := protocol.DecodeError(msg.Payload)
		if derr != nil {
			return c.fail(derr)
		}
		return c.fail(perr)
	default:
		return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting handshake ack", msg.Type))
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// State exposes the connection machine's state, mainly for the shell.
func (c *Client) State() transfer.State {
	return c.machine.Current()
}

// List fetches the server's file listing.
func (c *Client) List() ([]protocol.FileInfo, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	if err := c.write(protocol.Message{Type: protocol.MsgListRequest}); err != nil {
		return nil, c.fail(err)
	}
	msg, err := c.read()
	if err != nil {
		return nil, c.fail(err)
	}
	switch msg.Type {
	case protocol.MsgListResponse:
		return protocol.DecodeFileList(msg.Payload)
	case protocol.MsgError:
		return nil, c.remoteError(msg.Payload)
	default:
		return nil, c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting file list", msg.Type))
	}
}

// Download fetches remoteName and writes it to localPath. The local file
// is written only after the whole-file digest verifies; a failed transfer
// leaves no artifact.
func (c *Client) Download(remoteName, localPath string) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if err := c.machine.BeginDownload(); err != nil {
		return c.fail(err)
	}
	start := time.Now()

	if err := c.write(protocol.Message{Type: protocol.MsgFileRequest, Payload: protocol.EncodeFileRequest(remoteName)}); err != nil {
		return c.fail(err)
	}

	msg, err := c.read()
	if err != nil {
		return c.fail(err)
	}
	if msg.Type == protocol.MsgError {
		perr, derr := protocol.DecodeError(msg.Payload)
		if derr != nil {
			return c.fail(derr)
		}
		if perr.Code == protocol.ErrFileNotFound || perr.Code == protocol.ErrInvalidFilename {
			// Request refused before any data moved; connection stays usable.
			c.machine.AbortToReady()
			return perr
		}
		return c.fail(perr)
	}
	if msg.Type != protocol.MsgFileMetadata {
		return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting file metadata", msg.Type))
	}
	meta, err := protocol.DecodeFileMetadata(msg.Payload)
	if err != nil {
		return c.fail(err)
	}

	var buf bytes.Buffer
	session, err := transfer.NewSession(meta, &buf)
	if err != nil {
		return c.fail(err)
	}
	tracker := NewTracker(meta.Name, meta.Size, c.ShowProgress)

	for !session.Complete() {
		msg, err := c.read()
		if err != nil {
			return c.fail(err)
		}
		if msg.Type == protocol.MsgError {
			return c.remoteError(msg.Payload)
		}
		if msg.Type != protocol.MsgFileChunk {
			return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s during chunk stream", msg.Type))
		}
		chunk, err := protocol.DecodeChunk(msg.Payload)
		if err != nil {
			return c.fail(err)
		}
		if err := session.AcceptChunk(chunk); err != nil {
			return c.fail(err)
		}
		tracker.Update(uint64(chunk.RawLen))
	}

	if err := c.machine.BeginVerify(); err != nil {
		return c.fail(err)
	}
	if err := session.Verify(); err != nil {
		tracker.Fail()
		return c.fail(err)
	}

	if err := writeLocal(localPath, buf.Bytes()); err != nil {
		return c.fail(protocol.Errf(protocol.ErrWriteError, "%v", err))
	}
	if err := c.write(protocol.Message{Type: protocol.MsgUploadComplete, Payload: protocol.EncodeUploadComplete(session.Digest())}); err != nil {
		return c.fail(err)
	}
	if err := c.machine.Succeed(); err != nil {
		return c.fail(err)
	}
	tracker.Done()
	monitor.RecordTransfer(int64(meta.Size), time.Since(start))
	logger.Sugar.Infof("[Client] downloaded %s (%d bytes) to %s", remoteName, meta.Size, localPath)
	return c.machine.Reset()
}

// Upload sends localPath to the server as remoteName, awaiting an ack for
// every chunk and the server's verification verdict at the end.
func (c *Client) Upload(localPath, remoteName string) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	out, err := transfer.BuildOutgoing(remoteName, data, c.cfg.ChunkSize, c.cfg.CompressionLevel)
	if err != nil {
		return err
	}

	if err := c.machine.BeginUpload(); err != nil {
		return c.fail(err)
	}
	start := time.Now()
	tracker := NewTracker(remoteName, out.Meta.Size, c.ShowProgress)

	if err := c.write(protocol.Message{Type: protocol.MsgUploadStart}); err != nil {
		return c.fail(err)
	}
	if err := c.write(protocol.Message{Type: protocol.MsgFileMetadata, Payload: protocol.EncodeFileMetadata(out.Meta)}); err != nil {
		return c.fail(err)
	}

	for _, chunk := range out.Chunks {
		if err := c.write(protocol.Message{Type: protocol.MsgFileChunk, Payload: protocol.EncodeChunk(chunk)}); err != nil {
			return c.fail(err)
		}
		msg, err := c.read()
		if err != nil {
			return c.fail(err)
		}
		if msg.Type == protocol.MsgError {
			return c.remoteError(msg.Payload)
		}
		if msg.Type != protocol.MsgChunkAck {
			return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting chunk ack", msg.Type))
		}
		acked, err := protocol.DecodeChunkAck(msg.Payload)
		if err != nil {
			return c.fail(err)
		}
		if acked != chunk.Index {
			return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "ack for chunk %d, expected %d", acked, chunk.Index))
		}
		tracker.Update(uint64(chunk.RawLen))
	}

	if err := c.machine.BeginVerify(); err != nil {
		return c.fail(err)
	}
	msg, err := c.read()
	if err != nil {
		return c.fail(err)
	}
	switch msg.Type {
	case protocol.MsgUploadComplete:
		digest, err := protocol.DecodeUploadComplete(msg.Payload)
		if err != nil {
			return c.fail(err)
		}
		if digest != out.Meta.Digest {
			return c.fail(protocol.Errf(protocol.ErrChecksumMismatch, "server committed a different digest for %s", remoteName))
		}
		if err := c.machine.Succeed(); err != nil {
			return c.fail(err)
		}
		tracker.Done()
		monitor.RecordTransfer(int64(out.Meta.Size), time.Since(start))
		logger.Sugar.Infof("[Client] uploaded %s (%d bytes, %d chunks) as %s", localPath, out.Meta.Size, len(out.Chunks), remoteName)
		return c.machine.Reset()
	case protocol.MsgError:
		tracker.Fail()
		return c.remoteError(msg.Payload)
	default:
		return c.fail(protocol.Errf(protocol.ErrProtocolViolation, "%s while awaiting upload verdict", msg.Type))
	}
}

func (c *Client) requireReady() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if c.machine.Current() != transfer.StateReady {
		return protocol.Errf(protocol.ErrProtocolViolation, "operation not allowed in state %s", c.machine.Current())
	}
	return nil
}

// fail marks the machine failed and closes the connection; protocol
// errors mid-transfer are never recovered on the same socket.
func (c *Client) fail(err error) error {
	c.machine.Fail(err)
	monitor.RecordFailure()
	c.Close()
	return err
}

func (c *Client) remoteError(payload []byte) error {
	perr, derr := protocol.DecodeError(payload)
	if derr != nil {
		return c.fail(derr)
	}
	return c.fail(perr)
}

func (c *Client) read() (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return protocol.Message{}, mapTimeout(err)
	}
	return msg, nil
}

func (c *Client) write(msg protocol.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return mapTimeout(protocol.WriteMessage(c.conn, msg))
}

func mapTimeout(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return protocol.WrapErr(protocol.ErrTimeout, err, "socket deadline exceeded")
	}
	return err
}

// writeLocal stages the verified bytes next to the destination and
// renames into place, mirroring the server's commit discipline.
func writeLocal(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".lbshare-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
