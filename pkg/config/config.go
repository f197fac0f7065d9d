package config

import (
	"fmt"
	"time"
)

// Chunk sizes negotiable on the wire, smallest first. SMALL suits
// ultra-low bandwidth links, XLARGE saturating LANs.
const (
	ChunkSmall  = 1024
	ChunkMedium = 4096
	ChunkLarge  = 16384
	ChunkXLarge = 65536
)

// Compression levels accepted by the protocol (zlib scale).
const (
	CompressionNone   = 0
	CompressionLow    = 1
	CompressionMedium = 6
	CompressionHigh   = 9
)

// AllowedChunkSizes is the closed set a transfer may negotiate.
var AllowedChunkSizes = []uint32{ChunkSmall, ChunkMedium, ChunkLarge, ChunkXLarge}

// AllowedCompressionLevels is the closed set of zlib levels.
var AllowedCompressionLevels = []int{CompressionNone, CompressionLow, CompressionMedium, CompressionHigh}

// Config carries the read-only settings a server or client is built with.
// Validated once at startup; never mutated while connections are live.
type Config struct {
	// DataDir is the storage root served by a server.
	DataDir string

	// ChunkSize must be a member of AllowedChunkSizes.
	ChunkSize uint32

	// CompressionLevel must be a member of AllowedCompressionLevels.
	// CompressionNone disables per-chunk compression entirely.
	CompressionLevel int

	// ReadTimeout/WriteTimeout bound every socket operation. A deadline
	// hit mid-transfer fails the session and tears the connection down.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Default returns the configuration matching the protocol defaults:
// 4 KiB chunks, medium compression, 30s socket timeouts.
func Default() Config {
	return Config{
		DataDir:          "./shared_files",
		ChunkSize:        ChunkMedium,
		CompressionLevel: CompressionMedium,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
	}
}

// ValidChunkSize reports whether size is a member of the allowed set.
func ValidChunkSize(size uint32) bool {
	for _, s := range AllowedChunkSizes {
		if s == size {
			return true
		}
	}
	return false
}

// ValidCompressionLevel reports whether level is a member of the allowed set.
func ValidCompressionLevel(level int) bool {
	for _, l := range AllowedCompressionLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Validate rejects configurations outside the enumerated sets.
func (c Config) Validate() error {
	if !ValidChunkSize(c.ChunkSize) {
		return fmt.Errorf("chunk size %d not in allowed set %v", c.ChunkSize, AllowedChunkSizes)
	}
	if !ValidCompressionLevel(c.CompressionLevel) {
		return fmt.Errorf("compression level %d not in allowed set %v", c.CompressionLevel, AllowedCompressionLevels)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("socket timeouts must be positive (read=%s write=%s)", c.ReadTimeout, c.WriteTimeout)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory must be set")
	}
	return nil
}
