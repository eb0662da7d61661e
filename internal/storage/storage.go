// Package storage exposes the removable card as a flat set of named files.
//
// The card is mounted by the kernel; this package only guarantees that every
// access first takes the shared bus away from the display.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/photonicat/pcat2_photo_frame/internal/bus"
)

// ErrNotMounted is returned when the card has not been opened.
var ErrNotMounted = errors.New("storage: card not mounted")

// Card is the storage peripheral.
type Card struct {
	root    string
	arb     *bus.Arbitrator
	mounted bool
}

// New returns a card rooted at the given mount point.
func New(root string, arb *bus.Arbitrator) *Card {
	return &Card{root: root, arb: arb}
}

// Mount checks the mount point is a usable directory. It is cheap to call
// again once mounted.
func (c *Card) Mount() error {
	if c.mounted {
		return nil
	}
	c.arb.Acquire(bus.Storage)
	fi, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("storage: mount %s: %w", c.root, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storage: mount %s: not a directory", c.root)
	}
	c.mounted = true
	return nil
}

// Mounted reports whether Mount succeeded.
func (c *Card) Mounted() bool {
	return c.mounted
}

func (c *Card) path(name string) (string, error) {
	if !c.mounted {
		return "", ErrNotMounted
	}
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		return "", fmt.Errorf("storage: invalid name %q", name)
	}
	return filepath.Join(c.root, base), nil
}

// Open opens a file for reading.
func (c *Card) Open(name string) (*File, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	c.arb.Acquire(bus.Storage)
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	return &File{f: f, arb: c.arb, name: name}, nil
}

// OpenReader is Open for consumers that only need to read and seek.
func (c *Card) OpenReader(name string) (io.ReadSeekCloser, error) {
	f, err := c.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create creates or truncates a file for writing.
func (c *Card) Create(name string) (*File, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	c.arb.Acquire(bus.Storage)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, arb: c.arb, name: name, write: true}, nil
}

// CreateWriter is Create for consumers that only write.
func (c *Card) CreateWriter(name string) (io.WriteCloser, error) {
	f, err := c.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes a file. Removing a missing file is not an error.
func (c *Card) Remove(name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	c.arb.Acquire(bus.Storage)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Rename atomically replaces to with from.
func (c *Card) Rename(from, to string) error {
	pf, err := c.path(from)
	if err != nil {
		return err
	}
	pt, err := c.path(to)
	if err != nil {
		return err
	}
	c.arb.Acquire(bus.Storage)
	return os.Rename(pf, pt)
}

// Exists reports whether a regular file with a non-zero size is present.
func (c *Card) Exists(name string) bool {
	size, err := c.Size(name)
	return err == nil && size > 0
}

// Size returns the size of a file.
func (c *Card) Size(name string) (int64, error) {
	p, err := c.path(name)
	if err != nil {
		return 0, err
	}
	c.arb.Acquire(bus.Storage)
	fi, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("storage: %s is not a regular file", name)
	}
	return fi.Size(), nil
}

// File is an open handle on the card.
type File struct {
	f     *os.File
	arb   *bus.Arbitrator
	name  string
	write bool
}

// Name returns the name the file was opened with.
func (f *File) Name() string {
	return f.name
}

func (f *File) Read(p []byte) (int, error) {
	f.arb.Acquire(bus.Storage)
	return f.f.Read(p)
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.arb.Acquire(bus.Storage)
	return f.f.ReadAt(p, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.arb.Acquire(bus.Storage)
	return f.f.Seek(offset, whence)
}

func (f *File) Write(p []byte) (int, error) {
	f.arb.Acquire(bus.Storage)
	return f.f.Write(p)
}

// Close flushes and closes the handle.
func (f *File) Close() error {
	f.arb.Acquire(bus.Storage)
	if f.write {
		if err := f.f.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
			f.f.Close()
			return err
		}
	}
	return f.f.Close()
}

var _ io.ReadSeekCloser = (*File)(nil)
var _ io.WriteCloser = (*File)(nil)
