package centralserver

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	catalogSeparator = "---------------------------"
	noExtension      = "NO_EXTENSION"
)

// RenderCatalog groups file names by upper-cased extension.
func RenderCatalog(names []string) string {
	groups := make(map[string][]string)
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), "."))
		if ext == "" {
			ext = noExtension
		}
		groups[ext] = append(groups[ext], name)
	}

	exts := make([]string, 0, len(groups))
	for ext := range groups {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	var b strings.Builder
	for _, ext := range exts {
		files := groups[ext]
		sort.Strings(files)

		b.WriteString(catalogSeparator + "\n")
		b.WriteString(ext + "\n\n")
		for _, name := range files {
			b.WriteString(name + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Catalog is the persisted snapshot of the index's file names. Writes are
// serialized and tagged with the index generation they were rendered from,
// so a late writer holding an older view never replaces a newer snapshot.
type Catalog struct {
	mu      sync.Mutex
	path    string
	written uint64
}

func NewCatalog(path string) *Catalog {
	return &Catalog{path: path}
}

func (c *Catalog) Path() string {
	return c.path
}

// Write persists the rendering of names if gen is newer than the last write.
// It reports whether the file was replaced.
func (c *Catalog) Write(gen uint64, names []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen <= c.written {
		return false, nil
	}
	if err := c.replace(RenderCatalog(names)); err != nil {
		return false, err
	}
	c.written = gen
	return true, nil
}

// Clear truncates the snapshot and records gen as written.
func (c *Catalog) Clear(gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.replace(""); err != nil {
		return err
	}
	if gen > c.written {
		c.written = gen
	}
	return nil
}

func (c *Catalog) replace(text string) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// WriteTo streams the persisted snapshot to w. A missing snapshot streams nothing.
func (c *Catalog) WriteTo(w io.Writer) (int64, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// Text returns the persisted snapshot.
func (c *Catalog) Text() (string, error) {
	var b strings.Builder
	if _, err := c.WriteTo(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}
