package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BlockSize is the read unit used when hashing files.
const BlockSize = 64 * 1024

// IncomingDir holds partial downloads inside the share directory. Being a
// directory, it is never reported as a shared file.
const IncomingDir = ".incoming"

var ErrInvalidName = errors.New("invalid file name")

// HashFile computes the SHA-256 of r in fixed-size blocks.
func HashFile(r io.Reader) (string, error) {
	hash := sha256.New()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(hash, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// HashPath opens path and hashes its content.
func HashPath(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return HashFile(file)
}

// ValidName reports whether name is a plain file name that stays inside the
// share directory.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	// Only the platform's own separators split a path; a backslash is an
	// ordinary character on Unix.
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.IsLocal(name)
}

// Store is a flat share directory.
type Store struct {
	dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create share directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// List returns the names of regular files directly inside the share
// directory, sorted. Names that Open would refuse are left out so they are
// never advertised.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == IncomingDir || !ValidName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Inventory lists shared files and hashes each of them. Files that vanish
// between listing and hashing are left out.
func (s *Store) Inventory() ([]string, map[string]string, error) {
	names, err := s.List()
	if err != nil {
		return nil, nil, err
	}

	files := make([]string, 0, len(names))
	checksums := make(map[string]string, len(names))
	for _, name := range names {
		sum, err := HashPath(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		files = append(files, name)
		checksums[name] = sum
	}
	return files, checksums, nil
}

// Open returns the named shared file and its size. Names that are not plain
// file names, and anything that is not a regular file, report fs.ErrNotExist.
func (s *Store) Open(name string) (*os.File, int64, error) {
	if !ValidName(name) {
		return nil, 0, fs.ErrNotExist
	}
	file, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, 0, fs.ErrNotExist
	}
	return file, info.Size(), nil
}

// Incoming is a partial download that becomes a shared file on Commit.
type Incoming struct {
	*os.File
	name  string
	store *Store
	done  bool
}

// CreateIncoming opens a temporary file for name under the incoming directory.
func (s *Store) CreateIncoming(name string) (*Incoming, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(s.dir, IncomingDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(dir, name+".*.part")
	if err != nil {
		return nil, err
	}
	return &Incoming{File: file, name: name, store: s}, nil
}

// Commit closes the temporary file and moves it into the share directory,
// replacing any file of the same name.
func (in *Incoming) Commit() error {
	if in.done {
		return nil
	}
	in.done = true
	if err := in.File.Close(); err != nil {
		os.Remove(in.File.Name())
		return err
	}
	if err := os.Rename(in.File.Name(), filepath.Join(in.store.dir, in.name)); err != nil {
		os.Remove(in.File.Name())
		return err
	}
	return nil
}

// Discard closes and removes the temporary file. It is a no-op after Commit.
func (in *Incoming) Discard() error {
	if in.done {
		return nil
	}
	in.done = true
	in.File.Close()
	return os.Remove(in.File.Name())
}
