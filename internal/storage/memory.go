package storage

import (
	"sync"

	"github.com/alexhholmes/btrcore/internal/base"
)

// Memory keeps page images in a map. It backs in-memory trees and tests.
type Memory struct {
	mu     sync.Mutex
	pages  map[base.PageID]*base.Image
	closed bool
	counters
}

func NewMemory() *Memory {
	return &Memory{pages: make(map[base.PageID]*base.Image)}
}

func (m *Memory) ReadPage(id base.PageID) (*base.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.reads.Add(1)
	m.read.Add(base.PageSize)
	img := &base.Image{}
	if stored, ok := m.pages[id]; ok {
		*img = *stored
	}
	return img, nil
}

func (m *Memory) WritePage(id base.PageID, img *base.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.writes.Add(1)
	m.written.Add(base.PageSize)
	stored := *img
	m.pages[id] = &stored
	return nil
}

func (m *Memory) Sync() error {
	return nil
}

func (m *Memory) Empty() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages) == 0, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Stats() Stats {
	return m.stats()
}
