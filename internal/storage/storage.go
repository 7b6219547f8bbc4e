// Package storage persists page images.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/alexhholmes/btrcore/internal/base"
)

var ErrClosed = errors.New("storage closed")

// Storage reads and writes whole page images. Reading a page that was never
// written returns a zero image.
type Storage interface {
	ReadPage(id base.PageID) (*base.Image, error)
	WritePage(id base.PageID, img *base.Image) error
	Sync() error
	Empty() (bool, error)
	Close() error
	Stats() Stats
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
}

type counters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		Read:    c.read.Load(),
		Written: c.written.Load(),
	}
}

// File implements Storage with positioned reads and writes on a plain file.
type File struct {
	file *os.File
	counters
}

// NewFile opens or creates a page file.
func NewFile(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: file}, nil
}

// ReadPage reads a page image
func (f *File) ReadPage(id base.PageID) (*base.Image, error) {
	img := &base.Image{}
	f.reads.Add(1)
	n, err := f.file.ReadAt(img.Data[:], int64(id)*base.PageSize)
	f.read.Add(uint64(n))
	if errors.Is(err, io.EOF) {
		// Past the end of the file; the tail is implicitly zero.
		clear(img.Data[n:])
		return img, nil
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// WritePage writes a page image
func (f *File) WritePage(id base.PageID, img *base.Image) error {
	f.writes.Add(1)
	n, err := f.file.WriteAt(img.Data[:], int64(id)*base.PageSize)
	f.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n != base.PageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, base.PageSize)
	}
	return nil
}

// Sync flushes buffered writes to disk
func (f *File) Sync() error {
	return f.file.Sync()
}

// Empty returns whether the file is empty
func (f *File) Empty() (bool, error) {
	info, err := f.file.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

// Close closes the file
func (f *File) Close() error {
	return f.file.Close()
}

func (f *File) Stats() Stats {
	return f.stats()
}
