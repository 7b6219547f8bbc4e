package btrcore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexhholmes/btrcore/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrKeyExists     = errors.New("key already exists")
	ErrKeyEmpty      = errors.New("key cannot be empty")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrTreeClosed    = errors.New("tree is closed")
	ErrCorruption    = errors.New("index tree corruption detected")
	ErrTreeCorrupt   = errors.New("tree is corrupt and read-only")
	ErrNotInternal   = errors.New("tree does not keep a free list")

	ErrNoSpace       = base.ErrNoSpace
	ErrFreeListEmpty = fmt.Errorf("free list is empty: %w", base.ErrNoSpace)

	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)

// CorruptionError reports a structural inconsistency of the tree. Dumps
// holds a printout of every page involved.
type CorruptionError struct {
	Page   base.PageID
	Level  uint16
	Reason string
	Dumps  []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption of index tree at page %s level %d: %s", e.Page, e.Level, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruption
}

// Dump returns all page dumps as one string.
func (e *CorruptionError) Dump() string {
	return strings.Join(e.Dumps, "\n")
}
