// Package transfer implements the connection-level state machine and the
// per-transfer session bookkeeping shared by client and server.
package transfer

import (
	"lbshare/pkg/protocol"
)

// State of one connection's transfer machine.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateReady
	StateDownloading
	StateUploading
	StateVerifying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateDownloading:
		return "DOWNLOADING"
	case StateUploading:
		return "UPLOADING"
	case StateVerifying:
		return "VERIFYING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Machine sequences handshake, transfer and verification for a single
// connection. It never resyncs: an illegal transition marks the machine
// FAILED and the connection handler closes the socket.
//
// COMPLETE is terminal for the session only; Reset returns the machine to
// READY so a fresh request can start a new session on the same connection.
type Machine struct {
	state State
	err   error
}

// NewMachine starts in IDLE.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// Current returns the machine's state.
func (m *Machine) Current() State {
	return m.state
}

// Err returns the error that moved the machine to FAILED, if any.
func (m *Machine) Err() error {
	return m.err
}

func (m *Machine) transition(from, to State, event string) error {
	if m.state != from {
		err := protocol.Errf(protocol.ErrProtocolViolation, "%s not allowed in state %s", event, m.state)
		m.fail(err)
		return err
	}
	m.state = to
	return nil
}

// BeginHandshake records that a HANDSHAKE was sent or received.
func (m *Machine) BeginHandshake() error {
	return m.transition(StateIdle, StateHandshaking, "handshake")
}

// HandshakeAccepted moves to READY after a compatible version exchange.
func (m *Machine) HandshakeAccepted() error {
	return m.transition(StateHandshaking, StateReady, "handshake ack")
}

// BeginDownload starts a download session.
func (m *Machine) BeginDownload() error {
	return m.transition(StateReady, StateDownloading, "file request")
}

// BeginUpload starts an upload session.
func (m *Machine) BeginUpload() error {
	return m.transition(StateReady, StateUploading, "upload start")
}

// BeginVerify moves to VERIFYING once the receiver has consumed the last
// chunk (or the sender has emitted it).
func (m *Machine) BeginVerify() error {
	if m.state != StateDownloading && m.state != StateUploading {
		err := protocol.Errf(protocol.ErrProtocolViolation, "verify not allowed in state %s", m.state)
		m.fail(err)
		return err
	}
	m.state = StateVerifying
	return nil
}

// Succeed marks the transfer COMPLETE after a digest match.
func (m *Machine) Succeed() error {
	return m.transition(StateVerifying, StateComplete, "completion")
}

// Fail moves the machine to its terminal FAILED state.
func (m *Machine) Fail(err error) {
	m.fail(err)
}

func (m *Machine) fail(err error) {
	if m.state == StateFailed {
		return
	}
	m.state = StateFailed
	m.err = err
}

// Reset returns a COMPLETE machine to READY for the next session. A
// FAILED machine stays failed; its connection is being torn down.
func (m *Machine) Reset() error {
	return m.transition(StateComplete, StateReady, "reset")
}

// AbortToReady cancels a session that never transferred data, e.g. a
// FILE_REQUEST for a missing file, without poisoning the connection.
func (m *Machine) AbortToReady() {
	if m.state == StateDownloading || m.state == StateUploading {
		m.state = StateReady
	}
}
