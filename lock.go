package btrcore

import "github.com/alexhholmes/btrcore/internal/base"

// LockEventKind names a structural change that moves records between pages.
type LockEventKind int

const (
	LockRootRaise      LockEventKind = iota // root records moved to Page
	LockSplitLeft                           // head of Other moved to the new left page Page
	LockSplitRight                          // tail of Other moved to the new right page Page
	LockMergeLeft                           // Other merged into its left sibling Page
	LockMergeRight                          // Other merged into its right sibling Page
	LockDiscard                             // Other freed, its locks inherited by Page
	LockCopyAndDiscard                      // Other lifted into its father Page
	LockReorganize                          // Page rebuilt in place
)

func (k LockEventKind) String() string {
	switch k {
	case LockRootRaise:
		return "root-raise"
	case LockSplitLeft:
		return "split-left"
	case LockSplitRight:
		return "split-right"
	case LockMergeLeft:
		return "merge-left"
	case LockMergeRight:
		return "merge-right"
	case LockDiscard:
		return "discard"
	case LockCopyAndDiscard:
		return "copy-and-discard"
	case LockReorganize:
		return "reorganize"
	default:
		return "unknown"
	}
}

// LockEvent tells the lock manager that records of Other now live on Page.
// Other is NilPage for in-place events.
type LockEvent struct {
	Kind  LockEventKind
	Page  base.PageID
	Other base.PageID
}

// LockNotifier receives record lock relocation events. Notify is called
// with page latches held and must not call back into the tree.
type LockNotifier interface {
	Notify(LockEvent)
}

type noopLocks struct{}

func (noopLocks) Notify(LockEvent) {}

// LockNotifierFunc adapts a function to LockNotifier.
type LockNotifierFunc func(LockEvent)

func (f LockNotifierFunc) Notify(e LockEvent) { f(e) }
