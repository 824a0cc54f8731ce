package gtree

import (
	"context"

	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
	"github.com/sakuradb/sakuradb/core/write_engine/wal"
)

// fallbackItem is one frame of the depth-first traversal stack: a block to
// visit, plus the stamp its parent carried when the downlink was read. The
// stamp detects splits that happened after the downlink was followed.
type fallbackItem struct {
	block       pagestore.PageID
	parentStamp pagestore.LSN
}

// bulkDeleteFallback is the bounded-memory variant of BulkDelete: a
// depth-first walk from the root that removes dead leaf entries in place but
// never deletes pages or downlinks, so it needs no bookkeeping table. Memory
// use is proportional to the pending stack, not to the tree size. Pages a
// concurrent split moves entries onto are chased through right links, so no
// leaf escapes the walk.
func (t *Tree) bulkDeleteFallback(ctx context.Context, cfg VacuumConfig, isDead RowLivenessFunc, stats *VacuumStats, logger *zap.Logger) error {
	stack := []fallbackItem{{block: RootPageID, parentStamp: pagestore.InvalidLSN}}

	for len(stack) > 0 {
		if err := vacuumDelayPoint(ctx, cfg.Throttle); err != nil {
			return err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		page, err := t.bpm.FetchPage(item.block)
		if err != nil {
			return err
		}
		dirty := false

		page.RLock()
		node, err := DecodeNodePage(page.GetData())
		if err != nil {
			page.RUnlock()
			t.bpm.UnpinPage(item.block, false)
			return err
		}
		if node.IsDeleted() || node.New {
			page.RUnlock()
			t.bpm.UnpinPage(item.block, false)
			continue
		}

		exclusive := false
		if node.IsLeaf() {
			page.RUnlock()
			page.Lock()
			exclusive = true
			node, err = DecodeNodePage(page.GetData())
			if err != nil {
				page.Unlock()
				t.bpm.UnpinPage(item.block, false)
				return err
			}
			if !node.IsLeaf() || node.IsDeleted() || node.New {
				page.Unlock()
				t.bpm.UnpinPage(item.block, false)
				continue
			}
		}

		// A page that split after its downlink was read holds only the lower
		// half of what the parent promised; the upper half sits to the right
		// and has no downlink the walk would follow yet.
		if item.block != RootPageID && item.parentStamp != pagestore.InvalidLSN &&
			node.RightLink != pagestore.InvalidPageID &&
			(node.FollowRight() || item.parentStamp < node.NSN) {
			stack = append(stack, fallbackItem{block: node.RightLink, parentStamp: item.parentStamp})
		}

		if node.IsLeaf() {
			var offsets []uint16
			for i, e := range node.Entries {
				if isDead(e.Row()) {
					offsets = append(offsets, uint16(i))
					stats.TuplesRemoved++
				} else {
					stats.LiveTuples++
				}
			}
			if len(offsets) > 0 {
				node.RemoveEntries(offsets)
				if _, err := t.applyMutation(page, node, wal.LogRecordTypeEntryDelete, offsets); err != nil {
					page.Unlock()
					t.bpm.UnpinPage(item.block, false)
					return err
				}
				dirty = true
			}
		} else {
			// Children inherit this page's stamp as their split reference.
			// An invalid downlink is reported but still descended: the child
			// it names is a real page with real entries.
			childStamp := node.LSN
			for i, e := range node.Entries {
				if e.Invalid() {
					logger.Warn("index contains an inner entry marked as invalid",
						zap.Uint64("page_id", uint64(item.block)),
						zap.Int("offset", i),
						zap.String("hint", "rebuild the index to clear it"),
					)
				}
				stack = append(stack, fallbackItem{block: e.Child(), parentStamp: childStamp})
			}
		}

		if exclusive {
			page.Unlock()
		} else {
			page.RUnlock()
		}
		t.bpm.UnpinPage(item.block, dirty)
	}
	return nil
}
