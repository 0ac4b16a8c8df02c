// Package storage keeps uploaded files in a single flat directory. The
// directory listing is the only catalog.
package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidName is returned for names that could escape the storage
// directory or are otherwise unusable.
var ErrInvalidName = errors.New("invalid file name")

// partSuffix marks in-progress uploads; such files are hidden from List.
const partSuffix = ".part"

// FileInfo describes a stored file.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is a flat directory of uploaded files.
type Store struct {
	RootDir string
}

// NewStore creates rootDir if needed and returns a Store over it.
func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{RootDir: rootDir}, nil
}

// ValidateName rejects empty names, dot names, names with path separators
// and names reserved for in-progress uploads.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, ".") && strings.HasSuffix(name, partSuffix):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case filepath.Base(name) != name:
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Path returns where name lives on disk. name must be valid.
func (s *Store) Path(name string) string {
	return filepath.Join(s.RootDir, name)
}

// Has reports whether a regular file called name is stored.
func (s *Store) Has(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(s.Path(name))
	return err == nil && info.Mode().IsRegular()
}

// Open opens a stored file for reading and returns its size.
func (s *Store) Open(name string) (*os.File, int64, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.Path(name))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return f, info.Size(), nil
}

// Delete removes a stored file.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.Remove(s.Path(name))
}

// List returns the stored files sorted by name, skipping directories and
// in-progress uploads.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.RootDir)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidateName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// PendingFile is an upload being written to a hidden temporary file. It
// becomes visible under its final name only on Commit.
type PendingFile struct {
	f       *os.File
	tmpPath string
	final   string
	hash    hash.Hash
	written int64
}

// Begin starts an upload that will be stored as name.
func (s *Store) Begin(name string) (*PendingFile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(s.RootDir, "."+uuid.NewString()+partSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &PendingFile{f: f, tmpPath: tmpPath, final: s.Path(name), hash: md5.New()}, nil
}

// Write appends b to the upload and its running checksum.
func (p *PendingFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.hash.Write(b[:n])
	p.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (p *PendingFile) Written() int64 { return p.written }

// Sum returns the hex MD5 of everything written so far.
func (p *PendingFile) Sum() string { return hex.EncodeToString(p.hash.Sum(nil)) }

// Commit closes the temporary file and moves it to its final name,
// replacing any earlier file of that name.
func (p *PendingFile) Commit() error {
	if err := p.f.Close(); err != nil {
		os.Remove(p.tmpPath)
		return err
	}
	if err := os.Rename(p.tmpPath, p.final); err != nil {
		os.Remove(p.tmpPath)
		return err
	}
	return nil
}

// Abort discards the upload.
func (p *PendingFile) Abort() error {
	p.f.Close()
	return os.Remove(p.tmpPath)
}
