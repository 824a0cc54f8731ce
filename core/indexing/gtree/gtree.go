// Package gtree implements a disk-resident generalized search tree index:
// inner pages hold downlinks to child pages, leaf pages hold references to
// external rows. Pages form right-sibling chains and carry node sequence
// stamps so that concurrent readers can detect splits. The package also
// contains the tombstone-collection and page-reclamation engine (vacuum.go).
package gtree

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
	"github.com/sakuradb/sakuradb/core/write_engine/wal"
)

// RootPageID is the fixed block number of the tree root. The root is created
// with the file and is never deleted; an emptied tree leaves the root as an
// empty leaf.
const RootPageID pagestore.PageID = 1

var (
	ErrParentNotFound = errors.New("could not find parent of block in lookup table")
	ErrNotInitialized = errors.New("tree not initialized properly")
)

// Config carries the explicit knobs for opening a tree instance.
type Config struct {
	// Path is the index file location.
	Path string
	// WALDir enables durable logging when non-empty. When empty, page
	// mutations are stamped from a process-local monotonic counter instead.
	WALDir string
	// PageSize defaults to pagestore.DefaultPageSize.
	PageSize int
	// BufferPoolSize is the frame count of the buffer pool, default 64.
	BufferPoolSize int
	Logger         *zap.Logger
}

// Tree is one open generalized-index instance.
type Tree struct {
	disk      *pagestore.DiskManager
	bpm       *pagestore.BufferPoolManager
	wal       *wal.LogManager // nil when durability is disabled
	fakeStamp atomic.Uint64   // monotonic stand-in for the log stamp
	header    pagestore.FileHeader
	pageSize  int
	logger    *zap.Logger
}

// Open opens an existing tree file, or creates one with an empty leaf root
// when the file does not exist yet.
func Open(cfg Config) (*Tree, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = pagestore.DefaultPageSize
	}
	if cfg.BufferPoolSize == 0 {
		cfg.BufferPoolSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	disk, err := pagestore.NewDiskManager(cfg.Path, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	creating := false
	header, err := disk.OpenOrCreateFile(false)
	if errors.Is(err, pagestore.ErrDBFileNotFound) {
		creating = true
		header, err = disk.OpenOrCreateFile(true)
	}
	if err != nil {
		return nil, err
	}

	t := &Tree{
		disk:     disk,
		header:   *header,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}
	t.fakeStamp.Store(uint64(header.LastLSN))

	if cfg.WALDir != "" {
		lm, err := wal.NewLogManager(cfg.WALDir, cfg.Logger)
		if err != nil {
			disk.Close()
			return nil, err
		}
		t.wal = lm
		t.bpm = pagestore.NewBufferPoolManager(cfg.BufferPoolSize, disk, lm, cfg.Logger)
	} else {
		t.bpm = pagestore.NewBufferPoolManager(cfg.BufferPoolSize, disk, nil, cfg.Logger)
	}

	if creating {
		if err := t.createRoot(); err != nil {
			t.Close()
			return nil, err
		}
	} else if header.RootPageID != RootPageID {
		t.Close()
		return nil, fmt.Errorf("%w: header names root page %d", ErrNotInitialized, header.RootPageID)
	}
	return t, nil
}

// createRoot allocates page 1 and initializes it as an empty leaf.
func (t *Tree) createRoot() error {
	page, id, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	if id != RootPageID {
		return fmt.Errorf("%w: first allocation produced page %d", ErrNotInitialized, id)
	}
	page.Lock()
	root := &NodePage{Flags: FlagLeaf}
	_, err = t.applyMutation(page, root, wal.LogRecordTypeNewPage, nil)
	page.Unlock()
	if uerr := t.bpm.UnpinPage(id, true); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}
	t.header.RootPageID = RootPageID
	return t.disk.UpdateHeader(&t.header)
}

// Close flushes all state and releases the underlying files.
func (t *Tree) Close() error {
	var firstErr error
	if t.bpm != nil {
		if err := t.bpm.FlushAllPages(); err != nil {
			firstErr = err
		}
	}
	t.header.LastLSN = t.stampNow()
	if err := t.disk.UpdateHeader(&t.header); err != nil && firstErr == nil {
		firstErr = err
	}
	if t.wal != nil {
		if err := t.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PageCount reports the allocated page count, header page included, taken
// under the extension lock.
func (t *Tree) PageCount() uint64 {
	return t.bpm.PageCount()
}

// stampNow returns the most recent mutation stamp: the log writer's current
// LSN for durable trees, the local counter otherwise.
func (t *Tree) stampNow() pagestore.LSN {
	if t.wal != nil {
		return t.wal.CurrentLSN()
	}
	return pagestore.LSN(t.fakeStamp.Load())
}

// nextStamp durably records the mutation and returns its sequence stamp. For
// non-durable trees it returns the next value of the local counter.
func (t *Tree) nextStamp(rec *wal.LogRecord) (pagestore.LSN, error) {
	if t.wal != nil {
		return t.wal.Append(rec)
	}
	return pagestore.LSN(t.fakeStamp.Add(1)), nil
}

// applyMutation is the durability-atomic step of every page change: the log
// record and the new page image are applied as one unit while the caller
// holds the page's exclusive latch. A crash either sees the whole mutation
// (after the WAL syncs and the page flushes) or none of it.
func (t *Tree) applyMutation(page *pagestore.Page, node *NodePage, recType wal.LogRecordType, offsets []uint16) (pagestore.LSN, error) {
	rec := &wal.LogRecord{Type: recType, PageID: page.GetPageID(), Offsets: offsets}
	lsn, err := t.nextStamp(rec)
	if err != nil {
		return pagestore.InvalidLSN, err
	}
	node.LSN = lsn
	if err := node.Marshal(page.GetData()); err != nil {
		return pagestore.InvalidLSN, err
	}
	page.SetLSN(lsn)
	page.SetDirty(true)
	return lsn, nil
}

// ReadNode fetches and decodes one page under a shared latch. The returned
// image is a private copy.
func (t *Tree) ReadNode(id pagestore.PageID) (*NodePage, error) {
	page, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, err
	}
	page.RLock()
	node, err := DecodeNodePage(page.GetData())
	page.RUnlock()
	if uerr := t.bpm.UnpinPage(id, false); uerr != nil && err == nil {
		err = uerr
	}
	return node, err
}

// mutateNode fetches a page, applies fn to its decoded image under the
// exclusive latch, and persists the result as one atomic step. fn returning
// false abandons the mutation.
func (t *Tree) mutateNode(id pagestore.PageID, recType wal.LogRecordType, fn func(*NodePage) bool) error {
	page, err := t.bpm.FetchPage(id)
	if err != nil {
		return err
	}
	page.Lock()
	node, err := DecodeNodePage(page.GetData())
	dirty := false
	if err == nil && fn(node) {
		_, err = t.applyMutation(page, node, recType, nil)
		dirty = err == nil
	}
	page.Unlock()
	if uerr := t.bpm.UnpinPage(id, dirty); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// --- Construction surface ---
//
// The search, insert, and split algorithms live with the index's query side;
// this package exposes the raw page operations they are built from, which is
// also what the vacuum tests use to lay out trees and to interleave
// structural changes between vacuum passes.

// AppendLeafEntry appends a key/row reference to a leaf page, initializing
// the page as a leaf if it was never written.
func (t *Tree) AppendLeafEntry(id pagestore.PageID, key uint64, row RowID) error {
	return t.mutateNode(id, wal.LogRecordTypeUpdate, func(node *NodePage) bool {
		if node.New {
			node.Flags = FlagLeaf
			node.New = false
		}
		node.Entries = append(node.Entries, Entry{Key: key, Ref: uint64(row)})
		return true
	})
}

// AddDownlink appends a downlink to an inner page and clears the child's
// follow-right marker, completing the second half of a split. An empty leaf
// root gains its first downlink by converting to an inner page.
func (t *Tree) AddDownlink(parent pagestore.PageID, key uint64, child pagestore.PageID) error {
	err := t.mutateNode(parent, wal.LogRecordTypeUpdate, func(node *NodePage) bool {
		if node.New {
			node.New = false
			node.Flags = 0
		} else if node.IsLeaf() {
			if !node.Empty() {
				return false
			}
			node.Flags &^= FlagLeaf
		}
		node.Entries = append(node.Entries, Entry{Key: key, Ref: uint64(child)})
		return true
	})
	if err != nil {
		return err
	}
	return t.mutateNode(child, wal.LogRecordTypeUpdate, func(node *NodePage) bool {
		if !node.FollowRight() {
			return false
		}
		node.Flags &^= FlagFollowRight
		return true
	})
}

// MarkEntryInvalid flags one entry as a legacy incomplete-split artifact.
func (t *Tree) MarkEntryInvalid(id pagestore.PageID, offset int) error {
	return t.mutateNode(id, wal.LogRecordTypeUpdate, func(node *NodePage) bool {
		if offset < 0 || offset >= len(node.Entries) {
			return false
		}
		node.Entries[offset].Flags |= EntryFlagInvalid
		return true
	})
}

// SplitPage performs the page-level half of a split: it allocates a new
// right sibling, moves the upper half of the entries there, links the
// sibling into the chain, stamps the left page's NSN, and raises the
// follow-right marker. The parent downlink is added separately with
// AddDownlink, exactly as a crash between the halves would leave it.
func (t *Tree) SplitPage(id pagestore.PageID) (pagestore.PageID, error) {
	rightPage, rightID, err := t.bpm.NewPage()
	if err != nil {
		return pagestore.InvalidPageID, err
	}

	leftPage, err := t.bpm.FetchPage(id)
	if err != nil {
		t.bpm.UnpinPage(rightID, false)
		return pagestore.InvalidPageID, err
	}
	leftPage.Lock()
	defer leftPage.Unlock()

	left, err := DecodeNodePage(leftPage.GetData())
	if err != nil {
		t.bpm.UnpinPage(rightID, false)
		t.bpm.UnpinPage(id, false)
		return pagestore.InvalidPageID, err
	}

	half := len(left.Entries) / 2
	moved := make([]Entry, len(left.Entries)-half)
	copy(moved, left.Entries[half:])

	// The new sibling is invisible until the left page's right link lands,
	// so it is written first.
	right := &NodePage{
		Flags:     left.Flags & FlagLeaf,
		RightLink: left.RightLink,
		Entries:   moved,
	}
	rightPage.Lock()
	_, err = t.applyMutation(rightPage, right, wal.LogRecordTypeNewPage, nil)
	rightPage.Unlock()
	if uerr := t.bpm.UnpinPage(rightID, err == nil); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		t.bpm.UnpinPage(id, false)
		return pagestore.InvalidPageID, err
	}

	rec := &wal.LogRecord{Type: wal.LogRecordTypeUpdate, PageID: id}
	lsn, err := t.nextStamp(rec)
	if err != nil {
		t.bpm.UnpinPage(id, false)
		return pagestore.InvalidPageID, err
	}
	left.Entries = left.Entries[:half]
	left.RightLink = rightID
	left.LSN = lsn
	left.NSN = lsn
	left.Flags |= FlagFollowRight
	if err := left.Marshal(leftPage.GetData()); err != nil {
		t.bpm.UnpinPage(id, false)
		return pagestore.InvalidPageID, err
	}
	leftPage.SetLSN(lsn)
	leftPage.SetDirty(true)
	if err := t.bpm.UnpinPage(id, true); err != nil {
		return pagestore.InvalidPageID, err
	}
	return rightID, nil
}
