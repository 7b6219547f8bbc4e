package btrcore

import "github.com/alexhholmes/btrcore/internal/wal"

// SyncMode controls when the redo log is fsynced
type SyncMode = wal.SyncMode

const (
	// SyncEveryCommit fsyncs the redo log on every committed scope.
	// - No committed change is lost on power failure
	// - Limited by fsync latency
	SyncEveryCommit = wal.SyncEveryCommit

	// SyncBytes fsyncs once at least N bytes were logged since the last
	// fsync.
	// - Some committed changes may be lost on crash (up to N bytes)
	SyncBytes = wal.SyncBytes

	// SyncOff never fsyncs the redo log (testing/bulk loads only).
	SyncOff = wal.SyncOff
)

// Kind selects how a tree obtains its pages.
type Kind uint16

const (
	// KindClustered trees allocate from two file segments: one for leaf
	// pages and one for the root and the other non-leaf pages.
	KindClustered Kind = iota

	// KindInternal trees own a single segment and allocate from a free list
	// kept in the root page header. The list is filled with AddFreePages.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindClustered:
		return "clustered"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Options configures tree behavior.
type Options struct {
	logger         Logger
	locks          LockNotifier
	kind           Kind
	indexID        uint64
	cacheSize      int    // Unpinned pages kept in memory
	syncMode       SyncMode
	bytesPerSync   int    // Bytes logged before fsync when SyncMode is SyncBytes
	maxPages       uint64 // File size limit in pages, 0 means no limit
	mergeThreshold int    // Fill percentage below which a page is merged
	mmap           bool   // Memory-map the tree file instead of pread/pwrite
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		logger:         DiscardLogger{},
		locks:          noopLocks{},
		kind:           KindClustered,
		indexID:        1,
		cacheSize:      4096, // 16MB of 4KB pages
		syncMode:       SyncEveryCommit,
		bytesPerSync:   1024 * 1024, // 1MB
		mergeThreshold: 50,
		mmap:           true,
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithLogger sets the logger for the tree.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithLockNotifier sets the lock manager informed about records that move
// between pages.
//
//goland:noinspection GoUnusedExportedFunction
func WithLockNotifier(n LockNotifier) Option {
	return func(opts *Options) {
		opts.locks = n
	}
}

// WithKind selects the page allocation kind of a new tree. Opening an
// existing file keeps the kind stored in it.
//
//goland:noinspection GoUnusedExportedFunction
func WithKind(kind Kind) Option {
	return func(opts *Options) {
		opts.kind = kind
	}
}

// WithIndexID sets the index id stamped on every page of a new tree.
//
//goland:noinspection GoUnusedExportedFunction
func WithIndexID(id uint64) Option {
	return func(opts *Options) {
		opts.indexID = id
	}
}

// WithCacheSize sets the number of unpinned pages kept in memory.
// When the cache is full, the least recently used pages are written back
// and evicted.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.cacheSize = pages
	}
}

// WithSyncMode sets when the redo log is fsynced.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.syncMode = mode
	}
}

// WithBytesPerSync sets the number of logged bytes between fsyncs in
// SyncBytes mode.
//
//goland:noinspection GoUnusedExportedFunction
func WithBytesPerSync(bytes int) Option {
	return func(opts *Options) {
		opts.bytesPerSync = bytes
	}
}

// WithMaxPages limits the tree file to n pages, the meta page included.
// Shape changes that cannot reserve their pages fail with ErrNoSpace.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxPages(n uint64) Option {
	return func(opts *Options) {
		opts.maxPages = n
	}
}

// WithMergeThreshold sets the fill percentage of a page below which the
// tree tries to merge it into a sibling. Values are clamped to [1, 100].
//
//goland:noinspection GoUnusedExportedFunction
func WithMergeThreshold(percent int) Option {
	return func(opts *Options) {
		opts.mergeThreshold = min(max(percent, 1), 100)
	}
}

// WithMMap selects whether Open memory-maps the tree file. Without it, pages
// are read and written with positioned file I/O.
//
//goland:noinspection GoUnusedExportedFunction
func WithMMap(enabled bool) Option {
	return func(opts *Options) {
		opts.mmap = enabled
	}
}
