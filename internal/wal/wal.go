// Package wal is the redo log of committed page images.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/btrcore/internal/base"
)

// SyncMode controls when the WAL is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every scope commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when bytesPerSync bytes have been written.
	// - Data loss window: up to bytesPerSync bytes on power failure
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncEveryCommit:
		return "every-commit"
	case SyncBytes:
		return "bytes"
	case SyncOff:
		return "off"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// Record types
const (
	RecordPage   uint8 = 1 // Page image
	RecordCommit uint8 = 2 // Commit marker
)

// RecordHeaderSize Record format:
// [Type:1][TxnID:8][PageID:8][DataLen:4][Data:N][Checksum:8]
// The checksum is the xxhash of header and data.
const (
	RecordHeaderSize  = 1 + 8 + 8 + 4
	RecordTrailerSize = 8
)

var errTorn = errors.New("torn record")

// WAL implements write-ahead logging of page images for crash recovery
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64 // Current write position

	// Sync configuration
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int // Bytes written since last fsync
}

// Open opens or creates a WAL file with the specified sync mode
func Open(path string, syncMode SyncMode, bytesPerSync int) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:         file,
		offset:       info.Size(),
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
	}, nil
}

func (w *WAL) append(typ uint8, txnID uint64, pageID base.PageID, data []byte) error {
	buf := make([]byte, RecordHeaderSize+len(data)+RecordTrailerSize)
	buf[0] = typ
	binary.LittleEndian.PutUint64(buf[1:9], txnID)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(pageID))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(data)))
	copy(buf[RecordHeaderSize:], data)
	end := RecordHeaderSize + len(data)
	binary.LittleEndian.PutUint64(buf[end:], xxhash.Sum64(buf[:end]))

	n, err := w.file.WriteAt(buf, w.offset)
	w.offset += int64(n)
	w.bytesSinceSync += n
	return err
}

// AppendPage writes a page image record
func (w *WAL) AppendPage(txnID uint64, pageID base.PageID, img *base.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.append(RecordPage, txnID, pageID, img.Data[:])
}

// AppendCommit writes a commit marker. The page records of txnID take
// effect on replay only if the marker made it to disk.
func (w *WAL) AppendCommit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.append(RecordCommit, txnID, 0, nil)
}

// Sync conditionally fsyncs the WAL based on sync mode configuration
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncUnsafe()

	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncUnsafe()
		}
		return nil

	case SyncOff:
		return nil

	default:
		return fmt.Errorf("unknown wal sync mode: %d", w.syncMode)
	}
}

// ForceSync unconditionally fsyncs the WAL regardless of sync mode.
// Used during Close() and checkpoint to ensure durability.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.syncUnsafe()
}

// syncUnsafe performs fsync and resets the byte counter.
// Caller must hold w.mu.
func (w *WAL) syncUnsafe() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

type record struct {
	typ    uint8
	txnID  uint64
	pageID base.PageID
	data   []byte
	size   int64
}

func readRecord(r *bufio.Reader) (record, error) {
	header := make([]byte, RecordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, io.EOF
		}
		return record{}, errTorn
	}

	rec := record{
		typ:    header[0],
		txnID:  binary.LittleEndian.Uint64(header[1:9]),
		pageID: base.PageID(binary.LittleEndian.Uint64(header[9:17])),
	}
	dataLen := binary.LittleEndian.Uint32(header[17:21])
	switch {
	case rec.typ == RecordPage && dataLen == base.PageSize:
	case rec.typ == RecordCommit && dataLen == 0:
	default:
		return record{}, errTorn
	}

	body := make([]byte, int(dataLen)+RecordTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return record{}, errTorn
	}
	rec.data = body[:dataLen]

	h := xxhash.New()
	_, _ = h.Write(header)
	_, _ = h.Write(rec.data)
	if h.Sum64() != binary.LittleEndian.Uint64(body[dataLen:]) {
		return record{}, errTorn
	}
	rec.size = int64(RecordHeaderSize + len(body))
	return rec, nil
}

// Replay reads the WAL and applies the page images of all transactions
// after fromTxnID whose commit marker is present, in log order. A torn
// record ends the log.
func (w *WAL) Replay(fromTxnID uint64, applyFn func(base.PageID, *base.Image) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := bufio.NewReader(io.NewSectionReader(w.file, 0, w.offset))

	// TxnID -> page records to apply if the commit marker is found
	uncommitted := make(map[uint64][]record)
	for {
		rec, err := readRecord(r)
		if errors.Is(err, io.EOF) || errors.Is(err, errTorn) {
			break
		}
		if err != nil {
			return fmt.Errorf("wal replay: %w", err)
		}

		switch rec.typ {
		case RecordPage:
			uncommitted[rec.txnID] = append(uncommitted[rec.txnID], rec)

		case RecordCommit:
			if rec.txnID > fromTxnID {
				for _, page := range uncommitted[rec.txnID] {
					img := &base.Image{}
					copy(img.Data[:], page.data)
					if err := applyFn(page.pageID, img); err != nil {
						return fmt.Errorf("wal replay: failed to apply page %d: %w", page.pageID, err)
					}
				}
			}
			delete(uncommitted, rec.txnID)
		}
	}
	return nil
}

// LastCommit returns the highest committed TxnID in the log, or 0.
func (w *WAL) LastCommit() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var last uint64
	r := bufio.NewReader(io.NewSectionReader(w.file, 0, w.offset))
	for {
		rec, err := readRecord(r)
		if err != nil {
			return last, nil
		}
		if rec.typ == RecordCommit {
			last = max(last, rec.txnID)
		}
	}
}

// Truncate removes all WAL records up to and including the commit of
// upToTxnID. Only call this after the pages of those transactions are in
// storage.
func (w *WAL) Truncate(upToTxnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := bufio.NewReader(io.NewSectionReader(w.file, 0, w.offset))
	var keepFrom, pos int64
	for {
		rec, err := readRecord(r)
		if err != nil {
			break
		}
		pos += rec.size
		if rec.typ == RecordCommit && rec.txnID <= upToTxnID {
			keepFrom = pos
		}
	}

	// Records past the last checkpointed commit belong to later scopes; keep
	// them, dropping any torn tail.
	rest := make([]byte, pos-keepFrom)
	if _, err := w.file.ReadAt(rest, keepFrom); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("wal truncate: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.WriteAt(rest, 0); err != nil {
		return err
	}
	w.offset = int64(len(rest))
	return w.syncUnsafe()
}

// Size returns the number of bytes in the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}
