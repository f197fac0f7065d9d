// Package storage is the filesystem collaborator behind the transfer
// core: reading served files, staging uploads in private temp files and
// committing them atomically under their final name.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"lbshare/pkg/protocol"
)

// Store serves one directory tree. It holds no mutable state; concurrent
// connection handlers share it read-only.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the storage root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root path.
func (s *Store) Root() string {
	return s.root
}

// ValidateName rejects names that are empty, contain path separators or
// `..` segments, or otherwise escape the storage root.
func ValidateName(name string) error {
	if name == "" {
		return protocol.Errf(protocol.ErrInvalidFilename, "empty filename")
	}
	if strings.ContainsAny(name, "/\\") {
		return protocol.Errf(protocol.ErrInvalidFilename, "filename %q contains a path separator", name)
	}
	if name == "." || name == ".." {
		return protocol.Errf(protocol.ErrInvalidFilename, "filename %q is a path traversal segment", name)
	}
	return nil
}

// ReadFile loads the committed content of name. Missing files map to
// FILE_NOT_FOUND so the handler can answer without tearing down.
func (s *Store) ReadFile(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.Errf(protocol.ErrFileNotFound, "file not found: %s", name)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// TempFile is a private staging handle for one in-flight upload. It lives
// inside the storage root so Commit can rename without crossing devices.
type TempFile struct {
	file *os.File
	path string
}

// CreateTemp opens a uniquely named temp file inside the root. The name
// is never visible to the protocol; every upload gets its own.
func (s *Store) CreateTemp() (*TempFile, error) {
	path := filepath.Join(s.root, fmt.Sprintf(".lbshare-%s.tmp", uuid.NewString()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &TempFile{file: file, path: path}, nil
}

// Write appends data to the staged file.
func (t *TempFile) Write(data []byte) (int, error) {
	return t.file.Write(data)
}

// Commit flushes the staged file and atomically renames it to its final
// name. No reader ever observes a partially written file under finalName.
func (s *Store) Commit(t *TempFile, finalName string) error {
	if err := ValidateName(finalName); err != nil {
		return multierr.Append(err, t.Discard())
	}
	if err := t.file.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("failed to sync temp file: %w", err), t.Discard())
	}
	if err := t.file.Close(); err != nil {
		return multierr.Append(fmt.Errorf("failed to close temp file: %w", err), os.Remove(t.path))
	}
	if err := os.Rename(t.path, filepath.Join(s.root, finalName)); err != nil {
		return multierr.Append(fmt.Errorf("failed to commit %s: %w", finalName, err), os.Remove(t.path))
	}
	return nil
}

// Discard drops the staged file, leaving no artifact behind.
func (t *TempFile) Discard() error {
	return multierr.Append(t.file.Close(), os.Remove(t.path))
}

// List returns the committed files in the root, sorted by name, with
// sizes, modification times and sniffed MIME types. Staging files and
// subdirectories are skipped.
func (s *Store) List() ([]protocol.FileInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage root: %w", err)
	}

	files := make([]protocol.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mime := "application/octet-stream"
		if m, err := mimetype.DetectFile(filepath.Join(s.root, entry.Name())); err == nil {
			mime = m.String()
		}
		files = append(files, protocol.FileInfo{
			Name:     entry.Name(),
			Size:     uint64(info.Size()),
			Modified: info.ModTime(),
			Mime:     mime,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
