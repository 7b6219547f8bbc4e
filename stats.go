package btrcore

import "sync/atomic"

// Stats holds structural operation counters
type Stats struct {
	Splits        uint64 // pages split, retries included
	SplitsAtNew   uint64 // split at the inserted record
	SplitsToRight uint64 // split by the ascending insert heuristic
	SplitsToLeft  uint64 // split by the descending insert heuristic
	SureSplits    uint64 // split at the byte-budget midpoint
	SplitRetries  uint64
	RootRaises    uint64
	MaxSplitDepth uint64 // deepest recursive node pointer insertion

	Merges      uint64
	MergesLeft  uint64
	MergesRight uint64
	Lifts       uint64
	Discards    uint64

	Reorganizes    uint64
	RecordsMoved   uint64
	PagesAllocated uint64
	PagesFreed     uint64

	// Page cache
	CacheHits       uint64
	CacheMisses     uint64
	CacheEvictions  uint64
	CacheWritebacks uint64
}

type counters struct {
	splits        atomic.Uint64
	splitsAtNew   atomic.Uint64
	splitsToRight atomic.Uint64
	splitsToLeft  atomic.Uint64
	sureSplits    atomic.Uint64
	splitRetries  atomic.Uint64
	rootRaises    atomic.Uint64
	maxSplitDepth atomic.Uint64

	merges      atomic.Uint64
	mergesLeft  atomic.Uint64
	mergesRight atomic.Uint64
	lifts       atomic.Uint64
	discards    atomic.Uint64

	reorganizes    atomic.Uint64
	recordsMoved   atomic.Uint64
	pagesAllocated atomic.Uint64
	pagesFreed     atomic.Uint64
}

func (c *counters) noteSplitDepth(depth int) {
	d := uint64(depth)
	for {
		cur := c.maxSplitDepth.Load()
		if d <= cur || c.maxSplitDepth.CompareAndSwap(cur, d) {
			return
		}
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Splits:         c.splits.Load(),
		SplitsAtNew:    c.splitsAtNew.Load(),
		SplitsToRight:  c.splitsToRight.Load(),
		SplitsToLeft:   c.splitsToLeft.Load(),
		SureSplits:     c.sureSplits.Load(),
		SplitRetries:   c.splitRetries.Load(),
		RootRaises:     c.rootRaises.Load(),
		MaxSplitDepth:  c.maxSplitDepth.Load(),
		Merges:         c.merges.Load(),
		MergesLeft:     c.mergesLeft.Load(),
		MergesRight:    c.mergesRight.Load(),
		Lifts:          c.lifts.Load(),
		Discards:       c.discards.Load(),
		Reorganizes:    c.reorganizes.Load(),
		RecordsMoved:   c.recordsMoved.Load(),
		PagesAllocated: c.pagesAllocated.Load(),
		PagesFreed:     c.pagesFreed.Load(),
	}
}
