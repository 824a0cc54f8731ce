package gtree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
	"github.com/sakuradb/sakuradb/core/write_engine/wal"
)

// --- Test Helpers ---

// newTestTree opens a fresh non-durable tree in a temporary directory.
func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "index.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree
}

// allocPage allocates one zeroed page and returns its id.
func allocPage(t *testing.T, tree *Tree) pagestore.PageID {
	t.Helper()
	_, id, err := tree.bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, tree.bpm.UnpinPage(id, true))
	return id
}

// newLeaf allocates a leaf, fills it with one entry per row, and hangs it off
// parent with a downlink under key.
func newLeaf(t *testing.T, tree *Tree, parent pagestore.PageID, key uint64, rows ...RowID) pagestore.PageID {
	t.Helper()
	id := allocPage(t, tree)
	for i, row := range rows {
		require.NoError(t, tree.AppendLeafEntry(id, key+uint64(i), row))
	}
	if len(rows) == 0 {
		// Initialize as an empty leaf without adding entries.
		require.NoError(t, tree.mutateNode(id, wal.LogRecordTypeNewPage, func(node *NodePage) bool {
			node.Flags = FlagLeaf
			node.New = false
			return true
		}))
	}
	require.NoError(t, tree.AddDownlink(parent, key, id))
	return id
}

// linkRight points left's right-sibling link at right.
func linkRight(t *testing.T, tree *Tree, left, right pagestore.PageID) {
	t.Helper()
	require.NoError(t, tree.mutateNode(left, wal.LogRecordTypeUpdate, func(node *NodePage) bool {
		node.RightLink = right
		return true
	}))
}

func readNode(t *testing.T, tree *Tree, id pagestore.PageID) *NodePage {
	t.Helper()
	node, err := tree.ReadNode(id)
	require.NoError(t, err)
	return node
}

// --- Page codec ---

// TestNodePage_MarshalDecode round-trips a page image with all header fields
// and a few entries populated.
func TestNodePage_MarshalDecode(t *testing.T) {
	buf := make([]byte, pagestore.DefaultPageSize)
	node := &NodePage{
		Flags:     FlagLeaf | FlagTuplesDeleted,
		LSN:       77,
		NSN:       42,
		RightLink: 9,
		Entries: []Entry{
			{Key: 1, Ref: 100},
			{Key: 2, Ref: 200, Flags: EntryFlagInvalid},
		},
	}
	require.NoError(t, node.Marshal(buf))

	got, err := DecodeNodePage(buf)
	require.NoError(t, err)
	require.False(t, got.New)
	require.Equal(t, node.Flags, got.Flags)
	require.Equal(t, node.LSN, got.LSN)
	require.Equal(t, node.NSN, got.NSN)
	require.Equal(t, node.RightLink, got.RightLink)
	require.Equal(t, node.Entries, got.Entries)
	require.True(t, got.Entries[1].Invalid())
}

// TestNodePage_DecodeZeroedBuffer confirms that an all-zero page decodes as a
// never-initialized page rather than an empty one.
func TestNodePage_DecodeZeroedBuffer(t *testing.T) {
	buf := make([]byte, pagestore.DefaultPageSize)
	node, err := DecodeNodePage(buf)
	require.NoError(t, err)
	require.True(t, node.New)
	require.True(t, node.Empty())
}

// TestNodePage_DecodeBadImages checks the corruption guards.
func TestNodePage_DecodeBadImages(t *testing.T) {
	short := make([]byte, pageHeaderSize-1)
	_, err := DecodeNodePage(short)
	require.ErrorIs(t, err, ErrPageCorrupted)

	badVersion := make([]byte, pagestore.DefaultPageSize)
	badVersion[0] = 99
	_, err = DecodeNodePage(badVersion)
	require.ErrorIs(t, err, ErrPageCorrupted)

	// Entry count pointing past the end of the page.
	overflow := make([]byte, pageHeaderSize)
	overflow[0] = pageVersion
	overflow[4] = 0xff
	overflow[5] = 0xff
	_, err = DecodeNodePage(overflow)
	require.ErrorIs(t, err, ErrPageCorrupted)
}

// TestNodePage_RemoveEntries verifies original-offset semantics: offsets name
// positions before any removal, survivors keep their order.
func TestNodePage_RemoveEntries(t *testing.T) {
	node := &NodePage{Flags: FlagLeaf}
	for i := uint64(0); i < 6; i++ {
		node.Entries = append(node.Entries, Entry{Key: i, Ref: i * 10})
	}
	node.RemoveEntries([]uint16{0, 2, 5})

	require.Len(t, node.Entries, 3)
	require.Equal(t, uint64(1), node.Entries[0].Key)
	require.Equal(t, uint64(3), node.Entries[1].Key)
	require.Equal(t, uint64(4), node.Entries[2].Key)
	require.True(t, node.Flags&FlagTuplesDeleted != 0)
}

// --- Tree lifecycle ---

// TestTree_CreateAndReopen opens a fresh tree, writes some entries, and
// reopens the file to confirm the root and its contents persist.
func TestTree_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	tree, err := Open(Config{Path: path, Logger: zap.NewNop()})
	require.NoError(t, err)

	root := readNode(t, tree, RootPageID)
	require.True(t, root.IsLeaf(), "a fresh tree has an empty leaf root")
	require.True(t, root.Empty())

	require.NoError(t, tree.AppendLeafEntry(RootPageID, 1, 100))
	require.NoError(t, tree.AppendLeafEntry(RootPageID, 2, 200))
	require.NoError(t, tree.Close())

	tree2, err := Open(Config{Path: path, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer tree2.Close()

	root = readNode(t, tree2, RootPageID)
	require.Len(t, root.Entries, 2)
	require.Equal(t, RowID(100), root.Entries[0].Row())
}

// TestTree_SplitPage checks the page-level split contract: the right sibling
// gets the upper half and the old right link, the left page gets a fresh node
// sequence stamp equal to its mutation stamp and the follow-right marker.
func TestTree_SplitPage(t *testing.T) {
	tree := newTestTree(t)
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, tree.AppendLeafEntry(RootPageID, i, RowID(i+100)))
	}

	rightID, err := tree.SplitPage(RootPageID)
	require.NoError(t, err)

	left := readNode(t, tree, RootPageID)
	right := readNode(t, tree, rightID)

	require.Len(t, left.Entries, 4)
	require.Len(t, right.Entries, 4)
	require.Equal(t, uint64(4), right.Entries[0].Key)
	require.True(t, right.IsLeaf())
	require.Equal(t, rightID, left.RightLink)
	require.True(t, left.FollowRight())
	require.Equal(t, left.LSN, left.NSN, "split stamps the node sequence number from the split record")
	require.NotEqual(t, pagestore.InvalidLSN, left.NSN)
	require.False(t, right.FollowRight())
}

// TestTree_AddDownlinkCompletesSplit verifies the second half of a split: the
// new downlink lands in the parent and the child's follow-right marker clears.
func TestTree_AddDownlinkCompletesSplit(t *testing.T) {
	tree := newTestTree(t)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, tree.AppendLeafEntry(RootPageID, i, RowID(i)))
	}
	rightID, err := tree.SplitPage(RootPageID)
	require.NoError(t, err)

	// In a real insert the root would be split through a new level; here the
	// downlink goes to a scratch inner page to keep the shape minimal.
	inner := allocPage(t, tree)
	require.NoError(t, tree.AddDownlink(inner, 4, rightID))

	right := readNode(t, tree, rightID)
	require.False(t, right.FollowRight())
	parent := readNode(t, tree, inner)
	require.False(t, parent.IsLeaf())
	require.Len(t, parent.Entries, 1)
	require.Equal(t, rightID, parent.Entries[0].Child())
}

// TestTree_StampsAreMonotonic exercises the non-durable stamp source: every
// mutation must observe a strictly higher stamp.
func TestTree_StampsAreMonotonic(t *testing.T) {
	tree := newTestTree(t)
	prev := tree.stampNow()
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, tree.AppendLeafEntry(RootPageID, i, RowID(i)))
		cur := tree.stampNow()
		require.Greater(t, cur, prev)
		prev = cur
	}
}

// TestTree_DurableStampsComeFromLog opens a tree with a log directory and
// verifies page stamps line up with appended log records.
func TestTree_DurableStampsComeFromLog(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(Config{
		Path:   filepath.Join(dir, "index.db"),
		WALDir: dir,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	defer tree.Close()

	require.NoError(t, tree.AppendLeafEntry(RootPageID, 1, 100))
	root := readNode(t, tree, RootPageID)
	require.Equal(t, tree.wal.CurrentLSN(), root.LSN)

	require.NoError(t, tree.wal.Sync())
	recs, err := tree.wal.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	require.Equal(t, root.LSN, last.LSN)
	require.Equal(t, RootPageID, last.PageID)
}
