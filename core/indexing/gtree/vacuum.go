package gtree

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
	"github.com/sakuradb/sakuradb/core/write_engine/wal"
	internaltelemetry "github.com/sakuradb/sakuradb/internal/telemetry"
)

// RowLivenessFunc reports whether the row referenced by a leaf entry is dead
// and its entry should be removed. Implementations capture whatever state
// they need; the engine treats the function as opaque.
type RowLivenessFunc func(row RowID) bool

// VacuumStats accumulates the results of one vacuum invocation. The caller
// owns the record; the engine only mutates it while running.
type VacuumStats struct {
	TuplesRemoved int64 // dead leaf entries removed
	LiveTuples    int64 // leaf entries retained
	PagesDeleted  int64 // pages reclaimed (deleted flag set, downlink removed)
	PagesFree     int64 // new or deleted pages counted by the cleanup sweep
	TotalPages    int64 // allocated tree pages, header page excluded
}

// VacuumConfig carries the explicit knobs of one invocation.
type VacuumConfig struct {
	// MemoryLimitBytes caps the bookkeeping table. When the estimate for the
	// current tree exceeds it, the invocation runs the bounded-memory
	// depth-first pass instead, which removes dead entries but reclaims no
	// pages. Zero means no ceiling.
	MemoryLimitBytes int64
	// Throttle, when set, paces the engine between page visits.
	Throttle *rate.Limiter
	// Metrics, when set, receives per-invocation instrument updates.
	Metrics *internaltelemetry.VacuumMetrics
}

// vacuumRun is the private state of one Physical+Rescan invocation. It is
// created at the start of the invocation and discarded at its end; nothing
// here survives across invocations.
type vacuumRun struct {
	tree         *Tree
	cfg          VacuumConfig
	isDead       RowLivenessFunc
	stats        *VacuumStats
	book         *bookkeepingTable
	queue        *rescanQueue
	logger       *zap.Logger
	pagesVisited int64
}

// BulkDelete removes every leaf entry whose referenced row the predicate
// reports dead, and reclaims pages that become completely empty. The tree may
// be concurrently receiving insertions and page splits; only this engine
// mutates tree structure. On context cancellation the invocation stops
// between page visits: mutations already applied stay applied, unvisited
// pages are simply not processed this cycle.
func (t *Tree) BulkDelete(ctx context.Context, cfg VacuumConfig, isDead RowLivenessFunc) (*VacuumStats, error) {
	if isDead == nil {
		return nil, fmt.Errorf("row liveness predicate must be provided")
	}
	start := time.Now()
	logger := t.logger.With(zap.String("vacuum_id", uuid.NewString()))
	stats := &VacuumStats{}

	npages := t.PageCount()
	estimate := int64(npages) * blockInfoSize

	var err error
	if cfg.MemoryLimitBytes > 0 && estimate > cfg.MemoryLimitBytes {
		logger.Info("bookkeeping estimate exceeds memory ceiling, using depth-first pass",
			zap.Int64("estimate_bytes", estimate),
			zap.Int64("limit_bytes", cfg.MemoryLimitBytes),
			zap.Uint64("total_pages", npages),
		)
		err = t.bulkDeleteFallback(ctx, cfg, isDead, stats, logger)
	} else {
		run := &vacuumRun{
			tree:   t,
			cfg:    cfg,
			isDead: isDead,
			stats:  stats,
			book:   newBookkeepingTable(npages),
			queue:  &rescanQueue{},
			logger: logger,
		}
		err = run.execute(ctx)
		if cfg.Metrics != nil {
			cfg.Metrics.PagesVisitedCounter.Add(ctx, run.pagesVisited)
		}
	}

	stats.TotalPages = int64(t.PageCount()) - 1

	if cfg.Metrics != nil {
		cfg.Metrics.TuplesRemovedCounter.Add(ctx, stats.TuplesRemoved)
		cfg.Metrics.PagesDeletedCounter.Add(ctx, stats.PagesDeleted)
		cfg.Metrics.PassDurationHistogram.Record(ctx, time.Since(start).Milliseconds())
	}
	logger.Info("vacuum invocation finished",
		zap.Int64("tuples_removed", stats.TuplesRemoved),
		zap.Int64("live_tuples", stats.LiveTuples),
		zap.Int64("pages_deleted", stats.PagesDeleted),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return stats, err
}

// execute runs the storage-order walk, drains the rescan queue, and repeats
// over the file's new tail if the tree grew while the passes ran.
func (r *vacuumRun) execute(ctx context.Context) error {
	scanFrom := uint64(RootPageID)
	npages := r.tree.PageCount()
	for {
		// Physical scan over every block not yet covered, in storage order.
		passStamp := r.tree.stampNow()
		for blkno := scanFrom; blkno < npages; blkno++ {
			if err := vacuumDelayPoint(ctx, r.cfg.Throttle); err != nil {
				return err
			}
			if err := r.visitPage(pagestore.PageID(blkno), passStamp); err != nil {
				return err
			}
		}

		// Drain the rescan queue. Tasks may be appended faster than drained;
		// the pass ends when the queue is empty.
		rescanStamp := r.tree.stampNow()
		for {
			task, ok := r.queue.pop()
			if !ok {
				break
			}
			if err := vacuumDelayPoint(ctx, r.cfg.Throttle); err != nil {
				return err
			}
			if err := r.visitTask(task, rescanStamp); err != nil {
				return err
			}
		}

		// A concurrent split may have extended the file past the count
		// captured for the walk; those pages still need a visit.
		cur := r.tree.PageCount()
		if cur <= npages {
			return nil
		}
		scanFrom, npages = npages, cur
	}
}

// visitTask dispatches one rescan task. Plain tasks get the same treatment as
// a physical visit; resolveAsParent tasks re-examine the recorded parent of
// the named block.
func (r *vacuumRun) visitTask(task rescanTask, rescanStamp pagestore.LSN) error {
	if !task.resolveAsParent {
		return r.visitPage(task.block, rescanStamp)
	}
	target, err := r.book.parentOf(task.block)
	if err != nil {
		// A candidate without a recorded parent means the walk saw the block
		// but no inner page downlinks it: structural corruption, abort.
		return err
	}
	if r.book.processed(target) {
		return nil
	}
	return r.visitParent(target, rescanStamp)
}

// visitPage performs the full single-page treatment: remove dead leaf
// entries, record parent and sibling bookkeeping, enqueue split siblings and
// reclaim candidates. Each block gets this treatment at most once per
// invocation regardless of how many paths reach it.
func (r *vacuumRun) visitPage(blkno pagestore.PageID, passStamp pagestore.LSN) error {
	bi := r.book.info(blkno)
	if bi.seen {
		return nil
	}
	bi.seen = true
	r.pagesVisited++

	page, err := r.tree.bpm.FetchPage(blkno)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { r.tree.bpm.UnpinPage(blkno, dirty) }()

	page.RLock()
	node, err := DecodeNodePage(page.GetData())
	if err != nil {
		page.RUnlock()
		return err
	}

	if node.IsDeleted() {
		// Reclaimed in an earlier cycle; the cleanup sweep counts it.
		page.RUnlock()
		return nil
	}
	if node.New {
		// Allocated but never written. A candidate only when some inner page
		// downlinks it; an orphan allocation (frame acquisition failed after
		// the disk extension, or a split that never completed its first
		// write) has no parent to propagate through and is left to the
		// cleanup sweep, which counts it as free.
		page.RUnlock()
		if blkno != RootPageID && bi.parent != pagestore.InvalidPageID {
			r.markCandidate(blkno)
		}
		return nil
	}

	exclusive := false
	if node.IsLeaf() {
		// Upgrade for mutation. The latch is reacquired, not converted, so
		// the page must be re-read and its role re-validated.
		page.RUnlock()
		page.Lock()
		exclusive = true
		node, err = DecodeNodePage(page.GetData())
		if err != nil {
			page.Unlock()
			return err
		}
		if !node.IsLeaf() || node.IsDeleted() || node.New {
			// Reclassified between latch modes; abandon this step.
			page.Unlock()
			return nil
		}
	}
	unlock := func() {
		if exclusive {
			page.Unlock()
		} else {
			page.RUnlock()
		}
	}

	// Remember which block links rightward to each sibling, for splicing the
	// chain if the sibling is later reclaimed.
	if node.RightLink != pagestore.InvalidPageID {
		r.book.info(node.RightLink).leftLink = blkno
	}

	// A split recorded after this pass's reference stamp moved entries to a
	// right sibling the walk may never reach on its own; queue it.
	if blkno != RootPageID && node.RightLink != pagestore.InvalidPageID &&
		(node.FollowRight() || node.NSN > passStamp) {
		r.queue.push(rescanTask{block: node.RightLink})
	}

	if node.IsLeaf() {
		removed, live, offsets := r.classifyLeaf(node)
		r.stats.TuplesRemoved += removed
		r.stats.LiveTuples += live
		if len(offsets) > 0 {
			node.RemoveEntries(offsets)
			if _, err := r.tree.applyMutation(page, node, wal.LogRecordTypeEntryDelete, offsets); err != nil {
				page.Unlock()
				return err
			}
			dirty = true
		}
	} else {
		for i, e := range node.Entries {
			r.book.info(e.Child()).parent = blkno
			if e.Invalid() {
				r.warnInvalidEntry(blkno, i)
			}
		}
	}

	empty := node.Empty()
	unlock()

	// An emptied page is not deleted here: a concurrent inserter may already
	// be mid-traversal toward it via a downlink captured before this
	// invocation began. Only the rescan re-validation commits deletions.
	if empty && blkno != RootPageID {
		r.markCandidate(blkno)
	}
	return nil
}

// visitParent re-examines an inner page whose child was just handled:
// re-validate candidate children under exclusive latch, commit deletions,
// drop the dead downlinks, and propagate upward if this page empties too.
func (r *vacuumRun) visitParent(target pagestore.PageID, rescanStamp pagestore.LSN) error {
	page, err := r.tree.bpm.FetchPage(target)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { r.tree.bpm.UnpinPage(target, dirty) }()

	page.RLock()
	node, err := DecodeNodePage(page.GetData())
	if err != nil {
		page.RUnlock()
		return err
	}
	if node.IsDeleted() || node.New {
		page.RUnlock()
		return nil
	}
	if node.IsLeaf() {
		// The recorded parent is a leaf only if the tree collapsed to the
		// root between passes; nothing to re-examine.
		page.RUnlock()
		return nil
	}

	if node.RightLink != pagestore.InvalidPageID {
		r.book.info(node.RightLink).leftLink = target
		if target != RootPageID && (node.FollowRight() || node.NSN > rescanStamp) {
			r.queue.push(rescanTask{block: node.RightLink})
		}
	}

	// Snapshot the downlinks, then release the latch: children are
	// re-validated one at a time, never while this page is held.
	entries := make([]Entry, len(node.Entries))
	copy(entries, node.Entries)
	wasEmpty := node.Empty()
	page.RUnlock()

	var committed []pagestore.PageID
	for i, e := range entries {
		r.book.info(e.Child()).parent = target
		if e.Invalid() {
			r.warnInvalidEntry(target, i)
		}
		ci := r.book.get(e.Child())
		if ci == nil || !ci.pendingDelete || ci.committed {
			continue
		}
		ok, err := r.reclaimChild(e.Child())
		if err != nil {
			return err
		}
		if ok {
			committed = append(committed, e.Child())
		}
	}

	empty := wasEmpty
	if len(committed) > 0 {
		gone := make(map[pagestore.PageID]struct{}, len(committed))
		for _, c := range committed {
			gone[c] = struct{}{}
		}

		page.Lock()
		node, err = DecodeNodePage(page.GetData())
		if err != nil {
			page.Unlock()
			return err
		}
		if node.IsDeleted() || node.IsLeaf() {
			page.Unlock()
			return nil
		}
		var offsets []uint16
		for i, e := range node.Entries {
			if _, dead := gone[e.Child()]; dead {
				offsets = append(offsets, uint16(i))
			}
		}
		if len(offsets) > 0 {
			node.RemoveEntries(offsets)
			if _, err := r.tree.applyMutation(page, node, wal.LogRecordTypeDownlinkDelete, offsets); err != nil {
				page.Unlock()
				return err
			}
			dirty = true
		}
		empty = node.Empty()
		page.Unlock()
	}

	if !empty {
		return nil
	}
	if target == RootPageID {
		// Terminal state: the whole tree emptied out. The root is never
		// deleted; it becomes an empty leaf in place.
		if err := r.convertRoot(); err != nil {
			return err
		}
		r.book.info(target).processed = true
		return nil
	}
	bi := r.book.info(target)
	bi.pendingDelete = true
	bi.processed = true
	r.queue.push(rescanTask{block: target, resolveAsParent: true})
	return nil
}

// reclaimChild re-validates one reclaim candidate under its exclusive latch
// and, if it is genuinely empty, commits the deletion: deleted flag,
// visibility stamp, and sibling-chain splice, all before the caller removes
// the parent's downlink. Returns true when the deletion was committed.
func (r *vacuumRun) reclaimChild(child pagestore.PageID) (bool, error) {
	page, err := r.tree.bpm.FetchPage(child)
	if err != nil {
		return false, err
	}
	dirty := false
	defer func() { r.tree.bpm.UnpinPage(child, dirty) }()

	page.Lock()
	node, err := DecodeNodePage(page.GetData())
	if err != nil {
		page.Unlock()
		return false, err
	}
	bi := r.book.info(child)

	if node.IsDeleted() {
		page.Unlock()
		bi.committed = true
		bi.processed = true
		return true, nil
	}

	var offsets []uint16
	if node.IsLeaf() && !node.New {
		// The page may have gained or lost entries since its first visit;
		// decide on its current contents.
		var removed int64
		removed, _, offsets = r.classifyLeafRemovals(node)
		r.stats.TuplesRemoved += removed
	}
	stillLive := !node.New && len(node.Entries) > len(offsets)
	if stillLive {
		// Not reclaimable; apply any removals found and leave the candidate.
		if len(offsets) > 0 {
			node.RemoveEntries(offsets)
			if _, err := r.tree.applyMutation(page, node, wal.LogRecordTypeEntryDelete, offsets); err != nil {
				page.Unlock()
				return false, err
			}
			dirty = true
		}
		page.Unlock()
		return false, nil
	}

	// Commit: entry removal, deleted flag, and the stamp land as one atomic
	// unit. The fresh stamp on the page doubles as the visibility marker a
	// concurrent reader uses to recognize a half-removed page.
	rec := &wal.LogRecord{Type: wal.LogRecordTypePageDelete, PageID: child, Offsets: offsets}
	lsn, err := r.tree.nextStamp(rec)
	if err != nil {
		page.Unlock()
		return false, err
	}
	if len(offsets) > 0 {
		node.RemoveEntries(offsets)
	}
	node.Entries = nil
	node.Flags |= FlagDeleted
	node.Flags &^= FlagFollowRight
	node.LSN = lsn
	node.NSN = lsn
	rightLink := node.RightLink
	if err := node.Marshal(page.GetData()); err != nil {
		page.Unlock()
		return false, err
	}
	page.SetLSN(lsn)
	page.SetDirty(true)
	dirty = true

	// Splice the sibling chain around the gap while still holding the child:
	// child first, then its recorded neighbor, never more than the one pair.
	if li := bi.leftLink; li != pagestore.InvalidPageID {
		err := r.tree.mutateNode(li, wal.LogRecordTypeUpdate, func(nb *NodePage) bool {
			if nb.IsDeleted() || nb.New || nb.RightLink != child {
				// The neighbor was itself split or relinked since it was
				// recorded; the chain no longer runs through this page.
				return false
			}
			nb.RightLink = rightLink
			return true
		})
		if err != nil {
			page.Unlock()
			return false, err
		}
	}
	page.Unlock()

	bi.committed = true
	bi.processed = true
	r.stats.PagesDeleted++
	r.logger.Debug("reclaimed empty page", zap.Uint64("page_id", uint64(child)))
	return true, nil
}

// convertRoot turns an emptied inner root back into an empty leaf.
func (r *vacuumRun) convertRoot() error {
	return r.tree.mutateNode(RootPageID, wal.LogRecordTypeRootConvert, func(node *NodePage) bool {
		if node.IsLeaf() || !node.Empty() {
			return false
		}
		node.Flags = FlagLeaf
		return true
	})
}

// markCandidate records an empty page for deferred reclamation.
func (r *vacuumRun) markCandidate(blkno pagestore.PageID) {
	bi := r.book.info(blkno)
	if bi.pendingDelete || bi.processed {
		return
	}
	bi.pendingDelete = true
	r.queue.push(rescanTask{block: blkno, resolveAsParent: true})
}

// classifyLeaf partitions a leaf's entries by the liveness predicate,
// counting both sides.
func (r *vacuumRun) classifyLeaf(node *NodePage) (removed, live int64, offsets []uint16) {
	for i, e := range node.Entries {
		if r.isDead(e.Row()) {
			offsets = append(offsets, uint16(i))
			removed++
		} else {
			live++
		}
	}
	return removed, live, offsets
}

// classifyLeafRemovals is classifyLeaf for re-validation visits: survivors
// were already counted when the page was first seen.
func (r *vacuumRun) classifyLeafRemovals(node *NodePage) (removed, live int64, offsets []uint16) {
	for i, e := range node.Entries {
		if r.isDead(e.Row()) {
			offsets = append(offsets, uint16(i))
			removed++
		}
	}
	return removed, 0, offsets
}

func (r *vacuumRun) warnInvalidEntry(blkno pagestore.PageID, offset int) {
	r.logger.Warn("index contains an inner entry marked as invalid",
		zap.Uint64("page_id", uint64(blkno)),
		zap.Int("offset", offset),
		zap.String("detail", "left behind by an incomplete page split during crash recovery on an older on-disk format"),
		zap.String("hint", "rebuild the index to clear it"),
	)
}

// vacuumDelayPoint is the cooperative check-point evaluated between page
// visits in every pass.
func vacuumDelayPoint(ctx context.Context, throttle *rate.Limiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if throttle != nil {
		return throttle.Wait(ctx)
	}
	return nil
}
