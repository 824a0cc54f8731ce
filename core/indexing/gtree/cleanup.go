package gtree

import (
	"context"

	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
)

// VacuumCleanup runs the post-vacuum accounting sweep: a storage-order walk
// that counts reusable pages, meaning pages reclaimed by a previous
// invocation and pages allocated but never written. Stats from a preceding
// BulkDelete may be passed in to be completed; pass nil to get a fresh
// record. The sweep mutates nothing.
func (t *Tree) VacuumCleanup(ctx context.Context, stats *VacuumStats) (*VacuumStats, error) {
	if stats == nil {
		stats = &VacuumStats{}
	}
	npages := t.PageCount()
	var free int64
	for blkno := uint64(RootPageID) + 1; blkno < npages; blkno++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := t.bpm.FetchPage(pagestore.PageID(blkno))
		if err != nil {
			return stats, err
		}
		page.RLock()
		node, err := DecodeNodePage(page.GetData())
		if err != nil {
			page.RUnlock()
			t.bpm.UnpinPage(pagestore.PageID(blkno), false)
			return stats, err
		}
		if node.New || node.IsDeleted() {
			free++
		}
		page.RUnlock()
		t.bpm.UnpinPage(pagestore.PageID(blkno), false)
	}
	stats.PagesFree = free
	stats.TotalPages = int64(npages) - 1
	t.logger.Info("cleanup sweep finished",
		zap.Int64("total_pages", stats.TotalPages),
		zap.Int64("pages_free", stats.PagesFree),
	)
	return stats, nil
}
