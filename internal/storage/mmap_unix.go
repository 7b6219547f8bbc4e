//go:build linux || darwin

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/alexhholmes/btrcore/internal/base"
)

// Round the mapping up to this size to reduce remap frequency
const growthSize = 64 * 1024 * 1024

// MMap implements Storage using memory-mapped I/O
type MMap struct {
	file     *os.File
	mmapData []byte
	mmapSize int64
	empty    bool
	counters
}

// NewMMap creates a new memory-mapped storage backend
func NewMMap(path string) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	var empty bool
	size := info.Size()
	if size == 0 {
		// Sparse file
		size = growthSize
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
		empty = true
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MMap{
		file:     file,
		mmapData: data,
		mmapSize: size,
		empty:    empty,
	}, nil
}

// ReadPage copies a page out of the mapped region. Pages beyond the mapping
// read as zero.
func (m *MMap) ReadPage(id base.PageID) (*base.Image, error) {
	if m.mmapData == nil {
		return nil, ErrClosed
	}

	m.reads.Add(1)
	img := &base.Image{}
	offset := int64(id) * base.PageSize
	if offset+base.PageSize > m.mmapSize {
		return img, nil
	}

	// Copy to avoid pointer invalidation on remap
	copy(img.Data[:], m.mmapData[offset:offset+base.PageSize])
	m.read.Add(base.PageSize)
	return img, nil
}

// WritePage writes a page to the memory-mapped region
func (m *MMap) WritePage(id base.PageID, img *base.Image) error {
	if m.mmapData == nil {
		return ErrClosed
	}

	offset := int64(id) * base.PageSize
	if offset+base.PageSize > m.mmapSize {
		if err := m.grow(offset + base.PageSize); err != nil {
			return fmt.Errorf("grow to page %d: %w", id, err)
		}
	}

	m.writes.Add(1)
	copy(m.mmapData[offset:], img.Data[:])
	m.written.Add(base.PageSize)
	return nil
}

func (m *MMap) grow(minSize int64) error {
	newSize := ((minSize + growthSize - 1) / growthSize) * growthSize

	// Start async flush to reduce munmap blocking time
	_ = unix.Msync(m.mmapData, unix.MS_ASYNC)

	if err := unix.Munmap(m.mmapData); err != nil {
		return err
	}
	m.mmapData = nil

	// Grow file (sparse allocation)
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	m.mmapData = data
	m.mmapSize = newSize
	return nil
}

// Sync flushes the memory-mapped region to disk
func (m *MMap) Sync() error {
	if m.mmapData == nil {
		return ErrClosed
	}
	if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
		return err
	}
	return m.file.Sync()
}

// Empty returns whether this is a newly created file
func (m *MMap) Empty() (bool, error) {
	return m.empty, nil
}

func (m *MMap) Stats() Stats {
	return m.stats()
}

// Close unmaps the region and closes the file
func (m *MMap) Close() error {
	if m.mmapData != nil {
		if err := unix.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
	}
	return m.file.Close()
}
