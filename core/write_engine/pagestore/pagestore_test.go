package pagestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupDiskManager creates a fresh database file in a temporary directory.
func setupDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := NewDiskManager(path, DefaultPageSize)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

func setupBufferPool(t *testing.T, poolSize int) (*BufferPoolManager, *DiskManager) {
	t.Helper()
	dm := setupDiskManager(t)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewBufferPoolManager(poolSize, dm, nil, logger), dm
}

// --- DiskManager ---

// TestDiskManager_CreateAndReopen verifies the header round trip: magic
// number, page size, and root pointer survive a close/reopen cycle.
func TestDiskManager_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	dm, err := NewDiskManager(path, DefaultPageSize)
	require.NoError(t, err)
	header, err := dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	require.Equal(t, DBMagic, header.Magic)
	require.Equal(t, uint32(DefaultPageSize), header.PageSize)

	header.RootPageID = 1
	header.LastLSN = 99
	require.NoError(t, dm.UpdateHeader(header))
	require.NoError(t, dm.Close())

	dm2, err := NewDiskManager(path, DefaultPageSize)
	require.NoError(t, err)
	defer dm2.Close()
	header2, err := dm2.OpenOrCreateFile(false)
	require.NoError(t, err)
	require.Equal(t, PageID(1), header2.RootPageID)
	require.Equal(t, LSN(99), header2.LastLSN)
}

// TestDiskManager_OpenMissingFile checks the sentinel error used to decide
// between opening and creating.
func TestDiskManager_OpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	dm, err := NewDiskManager(path, DefaultPageSize)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(false)
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

// TestDiskManager_AllocateAndRoundTrip allocates pages and verifies that page
// data written at one ID is read back at the same ID, and that allocation
// hands out sequential IDs starting after the header page.
func TestDiskManager_AllocateAndRoundTrip(t *testing.T) {
	dm := setupDiskManager(t)

	id1, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(1), id1, "first data page follows the header page")
	id2, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(2), id2)
	require.Equal(t, uint64(3), dm.PageCount(), "header page plus two data pages")

	data := make([]byte, DefaultPageSize)
	copy(data, []byte("hello page two"))
	require.NoError(t, dm.WritePage(id2, data))

	got := make([]byte, DefaultPageSize)
	require.NoError(t, dm.ReadPage(id2, got))
	require.Equal(t, data, got)

	// A freshly allocated page reads back zeroed.
	zero := make([]byte, DefaultPageSize)
	got1 := make([]byte, DefaultPageSize)
	require.NoError(t, dm.ReadPage(id1, got1))
	require.Equal(t, zero, got1)
}

// TestDiskManager_ReadOutOfRange verifies the bounds check on reads past the
// allocated area.
func TestDiskManager_ReadOutOfRange(t *testing.T) {
	dm := setupDiskManager(t)
	buf := make([]byte, DefaultPageSize)
	err := dm.ReadPage(PageID(42), buf)
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

// --- BufferPoolManager ---

// TestBufferPool_FetchPinsAndCaches verifies that a fetched page is pinned,
// that a second fetch hits the cache, and that unpinning releases it.
func TestBufferPool_FetchPinsAndCaches(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)

	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, uint32(1), page.GetPinCount())
	require.NoError(t, bpm.UnpinPage(id, false))

	again, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, page, again, "fetch must hit the cached frame")
	require.Equal(t, uint32(1), again.GetPinCount())
	require.NoError(t, bpm.UnpinPage(id, false))
}

// TestBufferPool_EvictionWritesBack fills a tiny pool so that fetching one
// more page forces eviction of a dirty page, then confirms the evicted data
// survived the round trip through disk.
func TestBufferPool_EvictionWritesBack(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	page1, id1, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page1.GetData(), []byte("evict me, I am durable"))
	require.NoError(t, bpm.UnpinPage(id1, true))

	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id2, false))
	_, id3, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id3, false))

	// All three pages cannot fit in two frames; page 1 is the LRU victim.
	got, err := bpm.FetchPage(id1)
	require.NoError(t, err)
	require.Equal(t, []byte("evict me, I am durable"), got.GetData()[:22])
	require.NoError(t, bpm.UnpinPage(id1, false))
}

// TestBufferPool_AllPinnedFails pins more pages than there are frames and
// expects the sentinel error rather than a silent eviction of pinned data.
func TestBufferPool_AllPinnedFails(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)
}

// TestBufferPool_UnpinUnknownPage checks the not-found path.
func TestBufferPool_UnpinUnknownPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	err := bpm.UnpinPage(PageID(77), false)
	require.ErrorIs(t, err, ErrPageNotFound)
}

// TestBufferPool_FlushAllPersists writes through several pages, flushes, and
// re-reads through a fresh pool over the same file.
func TestBufferPool_FlushAllPersists(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)

	var ids []PageID
	for i := 0; i < 3; i++ {
		page, id, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = byte(i + 1)
		require.NoError(t, bpm.UnpinPage(id, true))
		ids = append(ids, id)
	}
	require.NoError(t, bpm.FlushAllPages())

	fresh := NewBufferPoolManager(4, dm, nil, zap.NewNop())
	for i, id := range ids {
		page, err := fresh.FetchPage(id)
		require.NoError(t, err)
		require.Equal(t, byte(i+1), page.GetData()[0])
		require.NoError(t, fresh.UnpinPage(id, false))
	}
}
