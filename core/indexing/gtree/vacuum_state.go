package gtree

import (
	"fmt"
	"unsafe"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
)

// blockInfo is the per-block bookkeeping carried across the two vacuum
// passes. Entries are created on first visit and live until the invocation
// ends; the budget selector accounts for one blockInfo per allocated page.
type blockInfo struct {
	// parent is the inner page that most recently downlinked to this block.
	// Last writer wins: a downlink observed later in the walk supersedes an
	// earlier one.
	parent pagestore.PageID
	// leftLink is the block whose right-sibling link points at this one,
	// recorded so the chain can be spliced around this block if it is
	// reclaimed.
	leftLink pagestore.PageID
	// pendingDelete is set once this block became a reclaim candidate.
	pendingDelete bool
	// committed is set once the candidate's deletion was re-validated and
	// applied. Candidate and committed are distinct states: a parent
	// re-examines children that are candidates but not yet committed.
	committed bool
	// processed is set once a final decision (deleted or retained at the end
	// of its reclamation check) was made; processed blocks are never
	// revisited as rescan targets.
	processed bool
	// seen is set on the first full page visit, so a block reachable both by
	// the storage-order walk and by a queued right-sibling task is only
	// visited once.
	seen bool
}

// blockInfoSize feeds the memory budget estimate.
const blockInfoSize = int64(unsafe.Sizeof(blockInfo{}))

// bookkeepingTable maps block numbers to their vacuum bookkeeping. Keyed by
// block number rather than holding page references, so a queued task can
// outlive the reclamation of the page it names without dangling.
type bookkeepingTable struct {
	m map[pagestore.PageID]*blockInfo
}

func newBookkeepingTable(hint uint64) *bookkeepingTable {
	return &bookkeepingTable{m: make(map[pagestore.PageID]*blockInfo, hint)}
}

// info returns the entry for block, creating it if absent.
func (bt *bookkeepingTable) info(block pagestore.PageID) *blockInfo {
	bi, ok := bt.m[block]
	if !ok {
		bi = &blockInfo{}
		bt.m[block] = bi
	}
	return bi
}

// get returns the entry for block, or nil if the block was never recorded.
func (bt *bookkeepingTable) get(block pagestore.PageID) *blockInfo {
	return bt.m[block]
}

// parentOf resolves the recorded parent of block. A miss means the walk saw
// the block but never a downlink to it, which is a structural corruption
// signal and fatal to the invocation.
func (bt *bookkeepingTable) parentOf(block pagestore.PageID) (pagestore.PageID, error) {
	bi, ok := bt.m[block]
	if !ok || bi.parent == pagestore.InvalidPageID {
		return pagestore.InvalidPageID, fmt.Errorf("%w: block %d", ErrParentNotFound, block)
	}
	return bi.parent, nil
}

func (bt *bookkeepingTable) processed(block pagestore.PageID) bool {
	bi, ok := bt.m[block]
	return ok && bi.processed
}

// rescanTask names a block to revisit. When resolveAsParent is set, the real
// target is the recorded parent of block: the child was just handled and its
// parent must now re-examine its downlinks.
type rescanTask struct {
	block           pagestore.PageID
	resolveAsParent bool
}

// rescanQueue is an owned FIFO of pending revisit tasks. Only the draining
// pass appends to it, so no synchronization is needed.
type rescanQueue struct {
	tasks []rescanTask
	head  int
}

func (q *rescanQueue) push(task rescanTask) {
	q.tasks = append(q.tasks, task)
}

func (q *rescanQueue) pop() (rescanTask, bool) {
	if q.head >= len(q.tasks) {
		return rescanTask{}, false
	}
	task := q.tasks[q.head]
	q.head++
	// Reclaim the drained prefix once it dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.tasks) {
		q.tasks = append(q.tasks[:0], q.tasks[q.head:]...)
		q.head = 0
	}
	return task, true
}
