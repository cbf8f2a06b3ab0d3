package zone

import (
	"testing"

	"github.com/oichkatzele/pfalloc/buddy"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
)

// TestWatermarkGate is this scenario: a zone sitting just above its
// min watermark in raw page count should still pass an order-0 request but
// fail a higher-order one once the per-order halving test accounts for
// how many of those free pages are actually available at that order.
//
// The naive illustrative numbers (free_pages=min+2, nr_free[0]=2, no
// higher orders) are mutually inconsistent under the real zone_watermark_ok
// formula (they only reduce free_pages by nr_free[0], which still leaves
// the order-1 check passing); this test uses the smallest concrete
// numbers that reproduce the documented pass/fail outcome under that
// formula: min=4, free_pages=6 (min+2), split across 4 order-0 blocks and
// a single order-1 block.
func TestWatermarkGate(t *testing.T) {
	pages := page.NewTable(0, 64)
	engine := buddy.New(pages, 4, 0)
	z := New("normal", engine, 0, 64)
	z.SetWatermarks(4, 8, 12)
	z.SetLowmemReserve([]uint64{0})

	engine.AddFreeRegion(0, 0, pageblock.Movable)
	engine.AddFreeRegion(1, 0, pageblock.Movable)
	engine.AddFreeRegion(2, 0, pageblock.Movable)
	engine.AddFreeRegion(3, 0, pageblock.Movable)
	engine.AddFreeRegion(4, 1, pageblock.Movable) // pfn 4..5, order 1

	if got := z.FreePages(); got != 6 {
		t.Fatalf("FreePages() = %d, want 6 (min+2)", got)
	}

	if !z.WatermarkOK(0, 0, AllocWmarkMin) {
		t.Fatalf("order-0 watermark check should pass with free_pages = min+2")
	}
	if z.WatermarkOK(1, 0, AllocWmarkMin) {
		t.Fatalf("order-1 watermark check should fail once the per-order halving test applies")
	}
}

func TestAllocNoWatermarksSkipsTest(t *testing.T) {
	pages := page.NewTable(0, 16)
	engine := buddy.New(pages, 4, 0)
	z := New("dma", engine, 0, 16)
	z.SetWatermarks(100, 200, 300)
	z.SetLowmemReserve([]uint64{0})

	if !z.WatermarkOK(0, 0, AllocNoWatermarks) {
		t.Fatalf("ALLOC_NO_WATERMARKS must bypass the test even with zero free pages")
	}
}
