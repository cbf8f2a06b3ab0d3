// Package buddy implements the split/merge core: buddy index arithmetic,
// the smallest-fit allocation path with expand (split), the free path
// with iterative coalescing and head/tail insertion discipline, and the
// largest-block-first fallback/steal policy. It operates on a single
// zone's page.Table, freearea.Table and pageblock.Map — zone selection
// and watermarks live one layer up in package zone.
package buddy

import (
	"github.com/oichkatzele/pfalloc/freearea"
	"github.com/oichkatzele/pfalloc/kernerr"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
	"github.com/oichkatzele/pfalloc/util"
	"github.com/oichkatzele/pfalloc/vmstat"
)

// maxBadPageRetries bounds Alloc's retry loop against a string of
// corrupt pages: each retry consumes one failing page via Reset and
// tries again, so this is the worst-case number of bad pages Alloc will
// absorb before giving up on a single request.
const maxBadPageRetries = 8

// Engine owns one zone's buddy state: its descriptor table, free-area
// table and page-block mobility map all cover the same PFN range.
type Engine struct {
	Pages  *page.Table
	Areas  *freearea.Table
	Blocks *pageblock.Map

	MaxOrder page.Order

	// GroupingDisabled short-circuits the mobility-containment stealing
	// threshold, always re-tagging the whole page-block on a steal.
	GroupingDisabled bool

	// StolenBlocks counts whole-page-block re-tags, exposed for vmstat.
	StolenBlocks uint64

	// Faults reports and taints on an integrity fault; nil disables
	// reporting (the default, so tests stay silent).
	Faults *vmstat.FaultReporter
}

// New creates a buddy engine over the given zone storage.
func New(pages *page.Table, blockOrder uint, reserveQuota int) *Engine {
	areas := freearea.NewTable(pages)
	blockCount := (pages.Len() + (1 << blockOrder) - 1) >> blockOrder
	blocks := pageblock.NewMap(blockOrder, blockCount, reserveQuota)
	return &Engine{Pages: pages, Areas: areas, Blocks: blocks, MaxOrder: freearea.MaxOrder}
}

// SetFaultReporter wires a fault reporter into the engine; called once
// during zone setup after New.
func (e *Engine) SetFaultReporter(r *vmstat.FaultReporter) { e.Faults = r }

// ReserveSetup runs the migrate-reserve page-block accounting against
// this engine's mobility map, normally called once during zone setup
// right after the zone's free regions have been registered via
// AddFreeRegion.
func (e *Engine) ReserveSetup() int { return e.Blocks.ReserveSetup() }

// buddyPfn returns the buddy of pfn at the given order: the sibling block
// whose PFN differs in exactly bit `order`.
func buddyPfn(pfn page.Pfn, order page.Order) page.Pfn {
	return pfn ^ (page.Pfn(1) << order)
}

// parentPfn returns the PFN of the order+1 block containing pfn.
func parentPfn(pfn page.Pfn, order page.Order) page.Pfn {
	return pfn &^ (page.Pfn(1) << order)
}

// AddFreeRegion seeds the free area with an initial free block. Used by
// zone setup to register the memory discovered at boot, releasing
// arbitrary order-aligned spans instead of single pages one at a time.
func (e *Engine) AddFreeRegion(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) {
	e.Areas.InsertTail(pfn, order, mobility)
}

// IsFreeBuddy reports whether pfn currently heads a free block of the
// given order — the same introspection `is_free_buddy_page` provides in
// the original source, used by tests and by Free's head/tail insertion
// lookahead.
func (e *Engine) IsFreeBuddy(pfn page.Pfn, order page.Order) bool {
	if !e.Pages.Contains(pfn) {
		return false
	}
	d := e.Pages.At(pfn)
	return d.State == page.StateFreeBuddy && d.Private == order
}

// Alloc implements smallest-fit split allocation, falling back through
// pageblock.FallbackOrder when the requested mobility class is
// exhausted at every order.
func (e *Engine) Alloc(order page.Order, mobility pageblock.Mobility) (page.Pfn, error) {
	if order > e.MaxOrder {
		return 0, kernerr.ErrBadOrder
	}

	for attempt := 0; attempt < maxBadPageRetries; attempt++ {
		pfn, ok := e.rmqueueSmallest(order, mobility)
		if !ok {
			pfn, ok = e.rmqueueFallback(order, mobility)
		}
		if !ok {
			return 0, kernerr.ErrOutOfMemory
		}

		result, err := e.finishAlloc(pfn, order)
		if err == nil {
			return result, nil
		}
		// finishAlloc already consumed the offending page (it is reset,
		// not re-listed); loop back and take another block rather than
		// failing the whole request over one bad page.
	}
	return 0, kernerr.ErrOutOfMemory
}

// rmqueueSmallest scans upward from order looking for the first non-empty
// free list in the requested mobility class.
func (e *Engine) rmqueueSmallest(order page.Order, mobility pageblock.Mobility) (page.Pfn, bool) {
	for k := order; k <= e.MaxOrder; k++ {
		if e.Areas.Empty(k, mobility) {
			continue
		}
		pfn := e.Areas.RemoveHead(k, mobility)
		e.expand(pfn, k, order, mobility)
		return pfn, true
	}
	return 0, false
}

// rmqueueFallback scans the fallback classes in
// order, and within each class scans from MaxOrder downward so that a
// steal takes the largest available block first.
func (e *Engine) rmqueueFallback(order page.Order, requested pageblock.Mobility) (page.Pfn, bool) {
	for _, fallback := range pageblock.FallbackOrder(requested) {
		for ki := int(e.MaxOrder); ki >= int(order); ki-- {
			k := page.Order(ki)
			if e.Areas.Empty(k, fallback) {
				continue
			}
			pfn := e.Areas.RemoveHead(k, fallback)
			e.stealBlock(pfn, k, requested, fallback)
			e.expand(pfn, k, order, requested)
			return pfn, true
		}
	}
	return 0, false
}

// stealBlock implements the "block stealing": move every
// still-free page in pfn's page-block into the requester's mobility
// class, and re-tag the block itself when the threshold in
// pageblock.ShouldRetagWholeBlock is met.
func (e *Engine) stealBlock(pfn page.Pfn, order page.Order, requester, from pageblock.Mobility) {
	block := e.Blocks.BlockOf(uint64(pfn))
	start, end := e.Blocks.BlockPfnRange(block)
	blockPages := end - start

	if uint(order) >= e.Blocks.PageBlockOrder {
		// k >= pageblock_order: re-tag all covered page-blocks
		// unconditionally.
		blocksCovered := 1 << (uint(order) - e.Blocks.PageBlockOrder)
		for b := block; b < block+blocksCovered && b < e.Blocks.BlockCount(); b++ {
			e.Blocks.SetMobility(b, requester)
			e.StolenBlocks++
		}
		return
	}

	moved := e.moveFreePagesInBlock(start, end, requester, from)
	if e.Blocks.ShouldRetagWholeBlock(uint(order), requester, e.GroupingDisabled, moved, blockPages) {
		e.Blocks.SetMobility(block, requester)
		e.StolenBlocks++
	}
}

// moveFreePagesInBlock re-homes every free block fully contained in
// [start, end) from the `from` mobility free lists to `requester`'s,
// returning the number of pages moved. A descriptor that still reads
// free-buddy but is linked on no list (the block just removed by the
// caller, or a buddy absorbed by an earlier merge) is skipped, so only
// siblings still sitting free in the block are visited.
func (e *Engine) moveFreePagesInBlock(start, end uint64, requester, from pageblock.Mobility) uint64 {
	var moved uint64
	for order := page.Order(0); order <= e.MaxOrder; order++ {
		pfn := start
		for pfn < end {
			if e.Pages.Contains(page.Pfn(pfn)) {
				p := page.Pfn(pfn)
				d := e.Pages.At(p)
				_, hasNext := e.Pages.Next(p)
				_, hasPrev := e.Pages.Prev(p)
				listed := hasNext || hasPrev || (!e.Areas.Empty(order, from) && e.Areas.Head(order, from) == p)
				if listed && d.State == page.StateFreeBuddy && d.Private == order && d.Mobility == from {
					e.Areas.Remove(page.Pfn(pfn), order, from)
					e.Areas.InsertTail(page.Pfn(pfn), order, requester)
					moved += uint64(1) << order
				}
			}
			pfn += uint64(1) << order
		}
	}
	return moved
}

// expand splits a block of order k down to order o, pushing the upper
// half at each level onto the free list for the same mobility class.
func (e *Engine) expand(pfn page.Pfn, k, o page.Order, mobility pageblock.Mobility) {
	for j := k; j > o; j-- {
		half := page.Pfn(1) << (j - 1)
		upper := pfn + half
		e.Areas.InsertTail(upper, j-1, mobility)
	}
}

// finishAlloc clears the buddy bookkeeping on the first page of a freshly
// split block and transitions it to Allocated.
func (e *Engine) finishAlloc(pfn page.Pfn, order page.Order) (page.Pfn, error) {
	d := e.Pages.At(pfn)
	if err := e.Pages.MarkAllocated(pfn, 1, false, order); err != nil {
		// Integrity fault: the page that looked free is corrupt. Report
		// and taint before resetting it, so it leaks safely instead of
		// propagating the fault; the caller (Alloc) retries elsewhere.
		if e.Faults != nil {
			e.Faults.Taint()
			e.Faults.ReportOnce(vmstat.DumpOf(pfn, d))
		}
		e.Pages.Reset(pfn)
		return 0, err
	}
	return pfn, nil
}

// Free validates, repeatedly coalesces with a free buddy of the same
// order, and inserts the final merged block using the head/tail
// insertion discipline.
func (e *Engine) Free(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) error {
	if order > e.MaxOrder {
		return kernerr.ErrBadOrder
	}
	if !util.IsAligned(uint64(pfn), uint(order)) {
		return kernerr.ErrMisalignedBlock
	}
	if err := e.Pages.ValidateForFree(pfn); err != nil {
		if e.Faults != nil {
			e.Faults.Taint()
			e.Faults.ReportOnce(vmstat.DumpOf(pfn, e.Pages.At(pfn)))
		}
		e.Pages.Reset(pfn)
		return err
	}

	cur := pfn
	curOrder := order
	for curOrder < e.MaxOrder {
		buddy := buddyPfn(cur, curOrder)
		if !e.Pages.Contains(buddy) {
			break // PFN hole or zone boundary: cannot coalesce further
		}
		bd := e.Pages.At(buddy)
		if bd.State != page.StateFreeBuddy || bd.Private != curOrder {
			break
		}
		e.Areas.Remove(buddy, curOrder, bd.Mobility)
		cur = parentPfn(cur, curOrder)
		curOrder++
	}

	// Insertion discipline: the coalescing loop above
	// only stops at curOrder because cur's buddy at curOrder is not free,
	// so re-testing that same buddy here would always be false. Instead
	// look one level further up: if cur's *parent* block's buddy (at
	// curOrder+1) is free, a sibling merge is likely once whatever is
	// keeping cur's own buddy busy clears — keep cur cold at the tail.
	// Otherwise it is relatively settled: insert at the head so it is
	// reused first.
	if curOrder+1 <= e.MaxOrder && e.IsFreeBuddy(buddyPfn(parentPfn(cur, curOrder), curOrder+1), curOrder+1) {
		e.Areas.InsertTail(cur, curOrder, mobility)
	} else {
		e.Areas.InsertHead(cur, curOrder, mobility)
	}
	return nil
}
