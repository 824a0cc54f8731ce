package gtree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
)

// On-page layout of a tree node, serialized into a pagestore.Page buffer:
//
//	offset 0:  version  (uint8, 0 means the page was never initialized)
//	offset 1:  reserved (uint8)
//	offset 2:  flags    (uint16)
//	offset 4:  entry count (uint32)
//	offset 8:  page LSN (uint64, stamp of the last mutation)
//	offset 16: NSN      (uint64, node sequence stamp set at split time)
//	offset 24: right-sibling link (uint64, InvalidPageID means none)
//	offset 32: entries, entrySize bytes each
const (
	pageVersion    = 1
	pageHeaderSize = 32
	entrySize      = 17 // key (8) + ref (8) + flags (1)
)

var (
	ErrPageOverflow  = errors.New("too many entries for page size")
	ErrPageCorrupted = errors.New("tree page image corrupted")
)

// PageFlags describes the role and state of a tree page.
type PageFlags uint16

const (
	FlagLeaf          PageFlags = 1 << 0 // page holds row references, not downlinks
	FlagDeleted       PageFlags = 1 << 1 // page reclaimed, ignore contents
	FlagFollowRight   PageFlags = 1 << 2 // split not yet linked from the parent
	FlagTuplesDeleted PageFlags = 1 << 3 // at least one entry was removed since the last split
)

// EntryFlags carries per-entry state.
type EntryFlags uint8

// EntryFlagInvalid marks a legacy artifact of an incomplete split. Such
// entries are reported, never corrected.
const EntryFlagInvalid EntryFlags = 1 << 0

// RowID identifies an external row referenced by a leaf entry.
type RowID uint64

// Entry is one slot of a tree page. On inner pages Ref is a child page id
// (a downlink); on leaf pages Ref is a RowID.
type Entry struct {
	Key   uint64
	Ref   uint64
	Flags EntryFlags
}

func (e Entry) Invalid() bool            { return e.Flags&EntryFlagInvalid != 0 }
func (e Entry) Child() pagestore.PageID  { return pagestore.PageID(e.Ref) }
func (e Entry) Row() RowID               { return RowID(e.Ref) }

// NodePage is the decoded image of one tree page.
type NodePage struct {
	Flags     PageFlags
	LSN       pagestore.LSN    // stamp of the last mutation applied to this page
	NSN       pagestore.LSN    // stamp assigned when this page was last split
	RightLink pagestore.PageID // right sibling, InvalidPageID if none
	Entries   []Entry

	// New is true when the page buffer was all zeroes: allocated on disk but
	// never initialized. Not serialized.
	New bool
}

func (n *NodePage) IsLeaf() bool      { return n.Flags&FlagLeaf != 0 }
func (n *NodePage) IsDeleted() bool   { return n.Flags&FlagDeleted != 0 }
func (n *NodePage) FollowRight() bool { return n.Flags&FlagFollowRight != 0 }
func (n *NodePage) Empty() bool       { return len(n.Entries) == 0 }

// MaxEntriesPerPage reports how many entries fit into one page of the given size.
func MaxEntriesPerPage(pageSize int) int {
	return (pageSize - pageHeaderSize) / entrySize
}

// Marshal serializes the node into buf, which must be a full page buffer.
func (n *NodePage) Marshal(buf []byte) error {
	if len(buf) < pageHeaderSize {
		return fmt.Errorf("%w: buffer too small", ErrPageOverflow)
	}
	need := pageHeaderSize + len(n.Entries)*entrySize
	if need > len(buf) {
		return fmt.Errorf("%w: %d entries need %d bytes, page has %d", ErrPageOverflow, len(n.Entries), need, len(buf))
	}
	buf[0] = pageVersion
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(n.Entries)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(n.LSN))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(n.NSN))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.RightLink))
	off := pageHeaderSize
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Key)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Ref)
		buf[off+16] = byte(e.Flags)
		off += entrySize
	}
	return nil
}

// DecodeNodePage deserializes a node from a full page buffer. An all-zero
// buffer decodes as a New page with no entries.
func DecodeNodePage(buf []byte) (*NodePage, error) {
	if len(buf) < pageHeaderSize {
		return nil, fmt.Errorf("%w: buffer smaller than header", ErrPageCorrupted)
	}
	if buf[0] == 0 {
		// Never-initialized page: allocated by a concurrent extension but not
		// yet written, or left behind by a crash before its first write.
		return &NodePage{New: true}, nil
	}
	if buf[0] != pageVersion {
		return nil, fmt.Errorf("%w: unknown page version %d", ErrPageCorrupted, buf[0])
	}
	n := &NodePage{
		Flags:     PageFlags(binary.LittleEndian.Uint16(buf[2:4])),
		LSN:       pagestore.LSN(binary.LittleEndian.Uint64(buf[8:16])),
		NSN:       pagestore.LSN(binary.LittleEndian.Uint64(buf[16:24])),
		RightLink: pagestore.PageID(binary.LittleEndian.Uint64(buf[24:32])),
	}
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	if pageHeaderSize+count*entrySize > len(buf) {
		return nil, fmt.Errorf("%w: entry count %d exceeds page", ErrPageCorrupted, count)
	}
	n.Entries = make([]Entry, count)
	off := pageHeaderSize
	for i := range n.Entries {
		n.Entries[i] = Entry{
			Key:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Ref:   binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Flags: EntryFlags(buf[off+16]),
		}
		off += entrySize
	}
	return n, nil
}

// RemoveEntries deletes the entries at the given original offsets, preserving
// the order of the survivors. Offsets refer to positions before any removal.
func (n *NodePage) RemoveEntries(offsets []uint16) {
	if len(offsets) == 0 {
		return
	}
	drop := make(map[uint16]struct{}, len(offsets))
	for _, off := range offsets {
		drop[off] = struct{}{}
	}
	kept := n.Entries[:0]
	for i, e := range n.Entries {
		if _, gone := drop[uint16(i)]; !gone {
			kept = append(kept, e)
		}
	}
	n.Entries = kept
	n.Flags |= FlagTuplesDeleted
}
