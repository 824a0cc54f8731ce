package pagestore

import (
	"container/list" // For LRU
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LogSyncer is the slice of the log writer the buffer pool needs: before a
// dirty page reaches disk, every log record describing its mutations must be
// durable (write-ahead rule).
type LogSyncer interface {
	Sync() error
}

// BufferPoolManager manages in-memory pages (frames) and interacts with the
// DiskManager. It implements a simple LRU (Least Recently Used) eviction
// policy. Log records for page mutations are appended by the index layer;
// the pool only enforces the write-ahead ordering on flush and eviction.
type BufferPoolManager struct {
	diskManager *DiskManager
	logSyncer   LogSyncer // may be nil for a non-durable index instance
	poolSize    int
	pages       []*Page               // Page frames
	pageTable   map[PageID]int        // PageID to frame index
	lruList     *list.List            // Doubly linked list for LRU tracking (stores frame indices)
	lruMap      map[int]*list.Element // Frame index to LRU list element
	mu          sync.Mutex
	pageSize    int
	logger      *zap.Logger
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager *DiskManager, logSyncer LogSyncer, logger *zap.Logger) *BufferPoolManager {
	if diskManager == nil {
		panic("NewBufferPoolManager: diskManager cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		logSyncer:   logSyncer,
		poolSize:    poolSize,
		pages:       make([]*Page, poolSize),
		pageTable:   make(map[PageID]int),
		lruList:     list.New(),
		lruMap:      make(map[int]*list.Element),
		pageSize:    diskManager.GetPageSize(),
		logger:      logger,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = NewPage(InvalidPageID, bpm.pageSize)
	}
	logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
	)
	return bpm
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches
// from disk. It pins the page and moves it to the front of the LRU list.
func (bpm *BufferPoolManager) FetchPage(pageID PageID) (*Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Check if page is already in the buffer pool
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		if page.GetLruElement() != nil {
			bpm.lruList.MoveToFront(page.GetLruElement())
		}
		return page, nil
	}

	// 2. Page not in pool, find a victim frame to replace
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, err
	}
	victimPage := bpm.pages[frameIdx]

	// 3. If victim page is dirty, flush it to disk (log first)
	if err := bpm.flushVictimLocked(victimPage); err != nil {
		return nil, err
	}

	// 4. Remove victim page from pageTable and LRU list
	bpm.evictLocked(victimPage, frameIdx)

	// 5. Reset victim page for new content
	victimPage.Reset()

	// 6. Load new page data from disk
	if err := bpm.diskManager.ReadPage(pageID, victimPage.GetData()); err != nil {
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 7. Update new page metadata and track in buffer pool
	victimPage.SetPageID(pageID)
	victimPage.SetPinCount(1)
	victimPage.SetDirty(false)
	victimPage.SetLSN(InvalidLSN)

	bpm.pageTable[pageID] = frameIdx
	victimPage.SetLruElement(bpm.lruList.PushFront(frameIdx))
	bpm.lruMap[frameIdx] = victimPage.GetLruElement()

	return victimPage, nil
}

// flushVictimLocked writes a dirty victim frame back to disk, syncing the
// log first. Must be called with bpm.mu locked.
func (bpm *BufferPoolManager) flushVictimLocked(victimPage *Page) error {
	if !victimPage.IsDirty() || victimPage.GetPageID() == InvalidPageID {
		return nil
	}
	if bpm.logSyncer != nil && victimPage.GetLSN() != InvalidLSN {
		if err := bpm.logSyncer.Sync(); err != nil {
			return fmt.Errorf("failed to flush log for victim page %d: %w", victimPage.GetPageID(), err)
		}
	}
	if err := bpm.diskManager.WritePage(victimPage.GetPageID(), victimPage.GetData()); err != nil {
		return fmt.Errorf("failed to flush dirty victim page %d: %w", victimPage.GetPageID(), err)
	}
	victimPage.SetDirty(false)
	return nil
}

// evictLocked removes a frame's current occupant from the page table and LRU
// list. Must be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictLocked(victimPage *Page, frameIdx int) {
	if victimPage.GetPageID() != InvalidPageID {
		delete(bpm.pageTable, victimPage.GetPageID())
		if victimPage.GetLruElement() != nil {
			bpm.lruList.Remove(victimPage.GetLruElement())
			delete(bpm.lruMap, frameIdx)
		}
	}
}

// getVictimFrameInternal finds an unpinned page to evict.
// Must be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	// Least recently used unpinned frame first
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		if bpm.pages[frameIdx].GetPinCount() == 0 {
			return frameIdx, nil
		}
	}

	// Otherwise a frame that never held a page (initial state)
	for i := 0; i < bpm.poolSize; i++ {
		if bpm.pages[i].GetPageID() == InvalidPageID {
			return i, nil
		}
	}

	bpm.logger.Error("buffer pool full, all pages pinned")
	return -1, ErrBufferPoolFull
}

// UnpinPage decrements the pin count for a page. If isDirty is true, it marks
// the page as dirty so eviction and FlushPage write it back.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("attempted to unpin page with pin count 0", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}
	return nil
}

// NewPage allocates a new page on disk and fetches it into the buffer pool.
// It pins the new page and marks it dirty.
func (bpm *BufferPoolManager) NewPage() (*Page, PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Allocate a new page on disk
	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		return nil, InvalidPageID, err
	}

	// 2. Find a victim frame in the buffer pool for this new page
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		// The allocated disk page stays zeroed; a later scan sees it as new.
		_ = bpm.diskManager.DeallocatePage(newPageID)
		return nil, InvalidPageID, fmt.Errorf("failed to get frame for new page %d: %w", newPageID, err)
	}
	victimPage := bpm.pages[frameIdx]

	// 3. If victim page is dirty, flush it before reuse
	if err := bpm.flushVictimLocked(victimPage); err != nil {
		return nil, InvalidPageID, err
	}

	// 4. Remove victim page from pageTable and LRU list
	bpm.evictLocked(victimPage, frameIdx)

	// 5. Reset and initialize the new page
	victimPage.Reset()
	victimPage.SetPageID(newPageID)
	victimPage.SetPinCount(1)
	victimPage.SetDirty(true)
	victimPage.SetLSN(InvalidLSN)

	// 6. Track the new page in buffer pool
	bpm.pageTable[newPageID] = frameIdx
	victimPage.SetLruElement(bpm.lruList.PushFront(frameIdx))
	bpm.lruMap[frameIdx] = victimPage.GetLruElement()

	return victimPage, newPageID, nil
}

// FlushPage flushes a specific page to disk if it's dirty, syncing log
// records up to the page's LSN first.
func (bpm *BufferPoolManager) FlushPage(pageID PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if bpm.logSyncer != nil && page.GetLSN() != InvalidLSN {
		if err := bpm.logSyncer.Sync(); err != nil {
			return fmt.Errorf("failed to flush log for page %d: %w", pageID, err)
		}
	}
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages flushes all dirty pages in the buffer pool to disk.
// It ensures all pending log records are durable before flushing pages.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error

	if bpm.logSyncer != nil {
		if err := bpm.logSyncer.Sync(); err != nil {
			firstErr = err
			bpm.logger.Error("failed to flush log before flushing pages", zap.Error(err))
		}
	}

	for _, page := range bpm.pages {
		if page.GetPageID() != InvalidPageID && page.IsDirty() {
			if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				bpm.logger.Error("failed to flush page",
					zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			} else {
				page.SetDirty(false)
			}
		}
	}
	if err := bpm.diskManager.Sync(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PageCount reports the allocated page count of the underlying file, header
// page included, taken under the disk manager's extension lock.
func (bpm *BufferPoolManager) PageCount() uint64 {
	return bpm.diskManager.PageCount()
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}
