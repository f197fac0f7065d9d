// Package server hosts a shared directory over the lbshare protocol:
// one TCP accept loop, one connection handler goroutine per client.
package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"lbshare/pkg/config"
	"lbshare/pkg/discovery"
	"lbshare/pkg/logger"
	"lbshare/pkg/monitor"
	"lbshare/pkg/protocol"
	"lbshare/pkg/storage"
)

type Server struct {
	cfg        config.Config
	store      *storage.Store
	listenAddr string
	listener   net.Listener
	advertiser *discovery.Advertiser

	mu      sync.Mutex
	closed  bool
	active  int64
	served  int64
	started time.Time
}

// NewServer builds a server for the given address and configuration. The
// configuration is validated once here and read-only afterwards.
func NewServer(addr string, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		listenAddr: addr,
		advertiser: discovery.NewAdvertiser(),
		started:    time.Now(),
	}, nil
}

// Start listens, advertises over mDNS and spawns the accept loop. It
// returns once the server is accepting; Stop shuts it down.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	logger.Sugar.Infof("[Server] listening on %s, serving %s", s.listener.Addr(), s.store.Root())

	if _, portStr, err := net.SplitHostPort(s.listener.Addr().String()); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			version := fmt.Sprintf("%d.%d.%d", protocol.VersionMajor, protocol.VersionMinor, protocol.VersionPatch)
			if err := s.advertiser.Start("", port, version, s.cfg.ChunkSize); err != nil {
				logger.Sugar.Warnf("[Server] mDNS advertisement failed: %v", err)
			} else {
				logger.Sugar.Infof("[Server] mDNS advertisement started on port %d", port)
			}
		}
	}

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			logger.Sugar.Errorf("[Server] accept error: %v", err)
			continue
		}

		atomic.AddInt64(&s.active, 1)
		atomic.AddInt64(&s.served, 1)
		logger.Sugar.Infof("[Server] client connected: %s", conn.RemoteAddr())

		go func() {
			defer atomic.AddInt64(&s.active, -1)
			h := newHandler(conn, s.cfg, s.store)
			h.Run()
		}()
	}
}

// Stop closes the listener and stops advertising. In-flight handlers
// finish on their own socket deadlines.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.advertiser.Stop()
	if s.listener != nil {
		s.listener.Close()
	}
	logger.Sugar.Info("[Server] stopped")
}

// Addr returns the bound listen address, useful when started with port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// GetStatus returns a human-readable status line for the shell.
func (s *Server) GetStatus() string {
	return fmt.Sprintf("uptime=%s active_connections=%d total_connections=%d transfers=%d",
		time.Since(s.started).Round(time.Second),
		atomic.LoadInt64(&s.active),
		atomic.LoadInt64(&s.served),
		atomic.LoadInt64(&monitor.Global.TransferCount),
	)
}

// ListFiles returns the committed files currently served.
func (s *Server) ListFiles() ([]protocol.FileInfo, error) {
	return s.store.List()
}
