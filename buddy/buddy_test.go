package buddy

import (
	"testing"

	"github.com/oichkatzele/pfalloc/freearea"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
)

func newTestEngine(t *testing.T, frames int, blockOrder uint) *Engine {
	t.Helper()
	pages := page.NewTable(0, frames)
	return New(pages, blockOrder, 0)
}

// TestBuddyCoalesce is this scenario: a single free block of order 4
// at PFN 0, two order-0 allocations, then freeing them back in reverse
// order should reassemble the original order-4 block.
func TestBuddyCoalesce(t *testing.T) {
	e := newTestEngine(t, 16, 4)
	e.AddFreeRegion(0, 4, pageblock.Movable)

	p0, err := e.Alloc(0, pageblock.Movable)
	if err != nil || p0 != 0 {
		t.Fatalf("first alloc: pfn=%d err=%v, want pfn=0", p0, err)
	}
	p1, err := e.Alloc(0, pageblock.Movable)
	if err != nil || p1 != 1 {
		t.Fatalf("second alloc: pfn=%d err=%v, want pfn=1", p1, err)
	}

	// Drop the caller's reference before each free, as the alloc facade
	// does: Free rejects a page whose refcount is still nonzero.
	e.Pages.At(1).Refcount = 0
	if err := e.Free(1, 0, pageblock.Movable); err != nil {
		t.Fatalf("free pfn=1: %v", err)
	}
	e.Pages.At(0).Refcount = 0
	if err := e.Free(0, 0, pageblock.Movable); err != nil {
		t.Fatalf("free pfn=0: %v", err)
	}

	if !e.IsFreeBuddy(0, 4) {
		t.Fatalf("expected a single free order-4 block at pfn 0 after full coalesce")
	}
	if e.Areas.Len(4, pageblock.Movable) != 1 {
		t.Fatalf("expected exactly one order-4 block, got %d", e.Areas.Len(4, pageblock.Movable))
	}
}

// TestSplitDiscipline is this scenario: splitting a free order-3 block
// to satisfy an order-0 allocation must leave free blocks at pfn 1 (order
// 0), pfn 2 (order 1) and pfn 4 (order 2).
func TestSplitDiscipline(t *testing.T) {
	e := newTestEngine(t, 8, 3)
	e.AddFreeRegion(0, 3, pageblock.Movable)

	pfn, err := e.Alloc(0, pageblock.Movable)
	if err != nil || pfn != 0 {
		t.Fatalf("alloc: pfn=%d err=%v, want pfn=0", pfn, err)
	}

	if !e.IsFreeBuddy(1, 0) {
		t.Fatalf("expected free order-0 block at pfn 1")
	}
	if !e.IsFreeBuddy(2, 1) {
		t.Fatalf("expected free order-1 block at pfn 2")
	}
	if !e.IsFreeBuddy(4, 2) {
		t.Fatalf("expected free order-2 block at pfn 4")
	}
}

// TestMobilitySteal is this scenario: an Unmovable request with no
// free Unmovable blocks must fall back, largest-block-first, into another
// class's free list and steal the containing page-block once the
// threshold in pageblock.ShouldRetagWholeBlock is met.
func TestMobilitySteal(t *testing.T) {
	e := newTestEngine(t, 16, 2) // pageblockOrder=2: 4 pages/block, 4 blocks
	e.AddFreeRegion(0, 4, pageblock.Movable)

	pfn, err := e.Alloc(0, pageblock.Unmovable)
	if err != nil {
		t.Fatalf("fallback alloc failed: %v", err)
	}

	// The whole order-4 region is a single block's worth times four; the
	// order-4 block itself spans all 4 page-blocks, so stealing at order 4
	// (>= pageblockOrder) must re-tag every page-block it covers.
	for b := 0; b < e.Blocks.BlockCount(); b++ {
		if e.Blocks.MobilityOf(uint64(b)*4) != pageblock.Unmovable {
			t.Fatalf("block %d: mobility = %v, want unmovable after steal", b, e.Blocks.MobilityOf(uint64(b)*4))
		}
	}
	if e.StolenBlocks == 0 {
		t.Fatalf("expected StolenBlocks to be incremented")
	}

	// The allocation itself must still have succeeded at pfn 0 (smallest
	// address in the only available block).
	if pfn != 0 {
		t.Fatalf("pfn=%d, want 0", pfn)
	}

	// After the steal, the split remainder (orders 0..3) should now be
	// tracked as Unmovable, since moveFreePagesInBlock / expand both
	// thread new insertions through the requester's class.
	if !e.IsFreeBuddy(1, 0) {
		t.Fatalf("expected split remainder at pfn 1 order 0")
	}
	d := e.Pages.At(1)
	if d.Mobility != pageblock.Unmovable {
		t.Fatalf("split remainder mobility = %v, want unmovable", d.Mobility)
	}
}

// TestOutOfMemory exercises the terminal failure path: a zone with no
// free blocks of any order or mobility must return ErrOutOfMemory, not
// panic or silently return pfn 0.
func TestOutOfMemory(t *testing.T) {
	e := newTestEngine(t, 16, 2)
	if _, err := e.Alloc(0, pageblock.Movable); err == nil {
		t.Fatalf("expected ErrOutOfMemory on an empty engine")
	}
}

// TestAllocRejectsOrderAboveMax guards the bad-order integrity check
// , independent of whether any memory is free.
func TestAllocRejectsOrderAboveMax(t *testing.T) {
	e := newTestEngine(t, 16, 2)
	e.AddFreeRegion(0, 4, pageblock.Movable)
	if _, err := e.Alloc(page.Order(freearea.MaxOrder)+1, pageblock.Movable); err == nil {
		t.Fatalf("expected ErrBadOrder for an order beyond MaxOrder")
	}
}

// TestFreeRejectsMisalignedPfn guards the alignment check in Free: a pfn
// that isn't a multiple of 1<<order can never be a valid block head.
func TestFreeRejectsMisalignedPfn(t *testing.T) {
	e := newTestEngine(t, 16, 2)
	e.AddFreeRegion(0, 4, pageblock.Movable)
	if _, err := e.Alloc(0, pageblock.Movable); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := e.Free(1, 1, pageblock.Movable); err == nil {
		t.Fatalf("expected ErrMisalignedBlock freeing pfn=1 at order=1")
	}
}

// TestInsertionDisciplineTailWhenParentBuddyFree locks down the head/tail
// lookahead fix: when the freed block's *parent's* buddy (one order up)
// is itself a free block, the newly merged block lands on the tail
// (likely to merge further soon), not the head.
func TestInsertionDisciplineTailWhenParentBuddyFree(t *testing.T) {
	pages := page.NewTable(0, 64)
	e := New(pages, 4, 0)

	e.AddFreeRegion(4, 2, pageblock.Movable)  // pfn 4..7 free, order 2
	e.AddFreeRegion(16, 4, pageblock.Movable) // pfn 16..31 free, order 4
	e.AddFreeRegion(40, 3, pageblock.Movable) // pfn 40..47 free, order 3: already on the order-3 list

	// Simulate pfn 0..3 (order 2) having been allocated and now freed.
	pages.At(0).State = page.StateAllocated

	if err := e.Free(0, 2, pageblock.Movable); err != nil {
		t.Fatalf("free: %v", err)
	}

	// The merge stops at order 3 (pfn 0's buddy at order 3 is pfn 8,
	// untouched and not free). Its parent's buddy at order 4 (pfn 16) is
	// free, so pfn 0 should have gone to the tail of the order-3 list,
	// behind pfn 40; head insertion would have put it in front.
	if !e.IsFreeBuddy(0, 3) {
		t.Fatalf("expected a merged free order-3 block at pfn 0")
	}

	if got := e.Areas.RemoveHead(3, pageblock.Movable); got != 40 {
		t.Fatalf("expected pfn 40 still at head, got %d", got)
	}
	if got := e.Areas.RemoveHead(3, pageblock.Movable); got != 0 {
		t.Fatalf("expected pfn 0 behind it (tail insertion), got %d", got)
	}
}
