package server

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbshare/client"
	"lbshare/pkg/config"
	"lbshare/pkg/protocol"
	"lbshare/pkg/transfer"
)

func testConfig(dataDir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.ChunkSize = config.ChunkSmall
	cfg.ReadTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second
	return cfg
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	dataDir := t.TempDir()
	srv, err := NewServer("127.0.0.1:0", testConfig(dataDir))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, dataDir
}

func connectClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.NewClient(addr, testConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	srv, dataDir := startServer(t)

	content := bytes.Repeat([]byte("round trip payload "), 500) // ~9.5 KiB, several chunks
	local := filepath.Join(t.TempDir(), "original.bin")
	require.NoError(t, os.WriteFile(local, content, 0644))

	c := connectClient(t, srv.Addr())
	require.NoError(t, c.Upload(local, "stored.bin"))

	committed, err := os.ReadFile(filepath.Join(dataDir, "stored.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, committed)

	// Same connection, fresh session: download it back.
	back := filepath.Join(t.TempDir(), "back.bin")
	require.NoError(t, c.Download("stored.bin", back))

	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadEmptyFile(t *testing.T) {
	srv, dataDir := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "empty.bin"), nil, 0644))

	c := connectClient(t, srv.Addr())
	dest := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, c.Download("empty.bin", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDownloadNotFoundKeepsConnectionUsable(t *testing.T) {
	srv, dataDir := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "real.txt"), []byte("here"), 0644))

	c := connectClient(t, srv.Addr())
	err := c.Download("missing.txt", filepath.Join(t.TempDir(), "missing.txt"))
	assert.Equal(t, protocol.ErrFileNotFound, protocol.CodeOf(err))

	// The refusal happened before any transfer; the connection still works.
	files, err := c.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "real.txt", files[0].Name)
}

func TestList(t *testing.T) {
	srv, dataDir := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "b.txt"), []byte("bb"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.txt"), []byte("a"), 0644))

	c := connectClient(t, srv.Addr())
	files, err := c.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, uint64(1), files[0].Size)
	assert.Equal(t, "b.txt", files[1].Name)
}

// rawDial opens a connection speaking the wire format by hand, for tests
// that need to send frames a well-behaved client never would.
func rawDial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func rawHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	hs := protocol.EncodeHandshake(protocol.Handshake{Major: protocol.VersionMajor})
	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgHandshake, Payload: hs}))
	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgHandshakeAck, msg.Type)
}

func TestHandshakeUnsupportedVersion(t *testing.T) {
	srv, _ := startServer(t)
	conn := rawDial(t, srv.Addr())

	hs := protocol.EncodeHandshake(protocol.Handshake{Major: 9, Minor: 9})
	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgHandshake, Payload: hs}))

	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, msg.Type)
	perr, err := protocol.DecodeError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrVersionUnsupported, perr.Code)

	// The server closed the connection; nothing follows the error.
	_, err = protocol.ReadMessage(conn)
	assert.Error(t, err)
}

func TestMessageBeforeHandshakeIsViolation(t *testing.T) {
	srv, _ := startServer(t)
	conn := rawDial(t, srv.Addr())

	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgListRequest}))

	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, msg.Type)
	perr, err := protocol.DecodeError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrProtocolViolation, perr.Code)
}

func TestUploadNonContiguousChunk(t *testing.T) {
	srv, dataDir := startServer(t)
	conn := rawDial(t, srv.Addr())
	rawHandshake(t, conn)

	out, err := transfer.BuildOutgoing("gapped.bin", make([]byte, 3000), config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgUploadStart}))
	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgFileMetadata, Payload: protocol.EncodeFileMetadata(out.Meta)}))

	// Skip chunk 0 entirely.
	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgFileChunk, Payload: protocol.EncodeChunk(out.Chunks[1])}))

	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, msg.Type)
	perr, err := protocol.DecodeError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrProtocolViolation, perr.Code)

	assertNoArtifact(t, dataDir, "gapped.bin")
}

func TestUploadChecksumMismatchLeavesNoArtifact(t *testing.T) {
	srv, dataDir := startServer(t)
	conn := rawDial(t, srv.Addr())
	rawHandshake(t, conn)

	data := bytes.Repeat([]byte("corrupt me "), 300)
	out, err := transfer.BuildOutgoing("tainted.bin", data, config.ChunkSmall, config.CompressionNone)
	require.NoError(t, err)
	// Declare a digest the chunks will never hash to.
	out.Meta.Digest[0] ^= 0xFF

	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgUploadStart}))
	require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgFileMetadata, Payload: protocol.EncodeFileMetadata(out.Meta)}))

	for _, c := range out.Chunks {
		require.NoError(t, protocol.WriteMessage(conn, protocol.Message{Type: protocol.MsgFileChunk, Payload: protocol.EncodeChunk(c)}))
		msg, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		if msg.Type == protocol.MsgError {
			perr, derr := protocol.DecodeError(msg.Payload)
			require.NoError(t, derr)
			assert.Equal(t, protocol.ErrChecksumMismatch, perr.Code)
			assertNoArtifact(t, dataDir, "tainted.bin")
			return
		}
		require.Equal(t, protocol.MsgChunkAck, msg.Type)
	}

	// All chunks acked; the verdict must be the mismatch error.
	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, msg.Type)
	perr, err := protocol.DecodeError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrChecksumMismatch, perr.Code)

	assertNoArtifact(t, dataDir, "tainted.bin")
}

func assertNoArtifact(t *testing.T, dataDir, name string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(dataDir, name))
	assert.True(t, os.IsNotExist(err), "no file may exist under the final name")

	// Give the handler a moment to discard its staging file.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(dataDir)
		require.NoError(t, err)
		if len(entries) == 0 || time.Now().After(deadline) {
			assert.Empty(t, entries, "no staging file may linger")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentUploadsDistinctNames(t *testing.T) {
	srv, dataDir := startServer(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := bytes.Repeat([]byte{byte('a' + i)}, 2500)
			local := filepath.Join(t.TempDir(), "src.bin")
			if err := os.WriteFile(local, content, 0644); err != nil {
				errs[i] = err
				return
			}
			c, err := client.NewClient(srv.Addr(), testConfig(t.TempDir()))
			if err != nil {
				errs[i] = err
				return
			}
			defer c.Close()
			if err := c.Connect(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.Upload(local, fmt.Sprintf("file-%d.bin", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "upload %d", i)
	}
	for i := 0; i < 4; i++ {
		data, err := os.ReadFile(filepath.Join(dataDir, fmt.Sprintf("file-%d.bin", i)))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 2500), data)
	}
}

func TestConcurrentUploadsSameName(t *testing.T) {
	srv, dataDir := startServer(t)

	contents := [][]byte{
		bytes.Repeat([]byte("first writer "), 400),
		bytes.Repeat([]byte("second writer "), 400),
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := filepath.Join(t.TempDir(), "src.bin")
			if err := os.WriteFile(local, contents[i], 0644); err != nil {
				return
			}
			c, err := client.NewClient(srv.Addr(), testConfig(t.TempDir()))
			if err != nil {
				return
			}
			defer c.Close()
			if err := c.Connect(); err != nil {
				return
			}
			c.Upload(local, "contested.bin")
		}(i)
	}
	wg.Wait()

	// Exactly one fully committed file, byte-identical to one of the two
	// uploads; never an interleaving.
	final, err := os.ReadFile(filepath.Join(dataDir, "contested.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(final, contents[0]) || bytes.Equal(final, contents[1]),
		"committed file must match one upload in full")
}
