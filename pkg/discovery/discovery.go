// Package discovery advertises and finds lbshare servers on the local
// network over mDNS, so clients on a LAN need no configured address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"lbshare/pkg/logger"
)

const (
	// ServiceType is the mDNS service type for lbshare servers.
	ServiceType = "_lbshare._tcp"
	// Domain is the local mDNS domain.
	Domain = "local."

	txtVersion = "version"
	txtChunk   = "chunk"
)

// ServiceInfo describes one discovered server: its advertised instance
// name, a dialable address, and the protocol version and chunk size
// published in its TXT records.
type ServiceInfo struct {
	Instance  string
	Addr      string
	Port      int
	Version   string
	ChunkSize uint32
}

// Advertiser broadcasts a running server.
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver browses for advertised servers.
type Resolver struct {
	resolver *zeroconf.Resolver
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the service on the given port, publishing
// the protocol version and the server's chunk size as TXT records.
func (a *Advertiser) Start(instanceName string, port int, version string, chunkSize uint32) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "lbshare-server"
		} else {
			instanceName = fmt.Sprintf("lbshare-%s", hostname)
		}
	}

	txt := []string{
		fmt.Sprintf("%s=%s", txtVersion, version),
		fmt.Sprintf("%s=%d", txtChunk, chunkSize),
	}
	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txt,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops broadcasting.
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// NewResolver creates an mDNS resolver.
func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for lbshare servers until the context is canceled,
// streaming dialable results on the returned channel.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info, ok := fromEntry(entry)
				if !ok {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered server: instance=%s addr=%s version=%s", info.Instance, info.Addr, info.Version)
				results <- info
			}
		}
	}()

	return results, nil
}

// fromEntry extracts the fields lbshare publishes. Entries without an
// IPv4 address cannot be dialed and are dropped.
func fromEntry(entry *zeroconf.ServiceEntry) (*ServiceInfo, bool) {
	if len(entry.AddrIPv4) == 0 {
		return nil, false
	}
	info := &ServiceInfo{
		Instance: entry.Instance,
		Addr:     net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)),
		Port:     entry.Port,
	}
	for _, record := range entry.Text {
		if v, ok := strings.CutPrefix(record, txtVersion+"="); ok {
			info.Version = v
		} else if v, ok := strings.CutPrefix(record, txtChunk+"="); ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				info.ChunkSize = uint32(n)
			}
		}
	}
	return info, true
}
