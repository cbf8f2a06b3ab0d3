package pcp

import (
	"testing"

	"github.com/oichkatzele/pfalloc/buddy"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
	"github.com/oichkatzele/pfalloc/zone"
)

func newTestSet(t *testing.T, frames int, batch, high uint32) (*Set, *buddy.Engine) {
	t.Helper()
	pages := page.NewTable(0, frames)
	engine := buddy.New(pages, 4, 0)
	z := zone.New("normal", engine, 0, uint64(frames))
	s := New(z, 1)
	s.sets[0].Batch = batch
	s.sets[0].High = high
	return s, engine
}

// TestRefillPullsBatchAndReturnsOne is half of this scenario: with
// batch=3, an order-0 allocation from an empty PCP pulls 3 pages from the
// buddy engine under the zone lock and returns one, leaving 2 cached.
func TestRefillPullsBatchAndReturnsOne(t *testing.T) {
	s, engine := newTestSet(t, 64, 3, 18)
	engine.AddFreeRegion(0, 6, pageblock.Movable)

	pfn, err := s.Alloc(0, pageblock.Movable, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pfn != 0 {
		t.Fatalf("pfn = %d, want 0 (first page pulled from the refill)", pfn)
	}
	if got := s.sets[0].Count; got != 2 {
		t.Fatalf("cached count after refill+alloc = %d, want 2", got)
	}
	d := engine.Pages.At(pfn)
	if d.State != page.StateAllocated || d.Refcount != 1 {
		t.Fatalf("returned page should be Allocated with refcount 1, got state=%v refcount=%d", d.State, d.Refcount)
	}
}

// TestFreeDrainsAtHighWatermark is the other half of this scenario:
// with batch=3 and high=18, freeing 18 order-0 pages triggers a drain on
// the 18th, returning 3 pages to the buddy engine and leaving count=15.
func TestFreeDrainsAtHighWatermark(t *testing.T) {
	s, engine := newTestSet(t, 32, 3, 18)

	for pfn := page.Pfn(0); pfn < 18; pfn++ {
		if err := s.Free(0, pfn, pageblock.Movable, false); err != nil {
			t.Fatalf("free(%d): %v", pfn, err)
		}
	}

	if got := s.sets[0].Count; got != 15 {
		t.Fatalf("count after 18 frees = %d, want 15 (18 - batch of 3 drained)", got)
	}
	if got := s.TotalCount(); got != 15 {
		t.Fatalf("TotalCount() = %d, want 15", got)
	}

	// The 3 drained pages must have landed back on the buddy engine's
	// free lists, not vanished.
	var drainedPages uint32
	for order := page.Order(0); order <= engine.MaxOrder; order++ {
		drainedPages += engine.Areas.Areas[order].NrFree << order
	}
	if drainedPages != 3 {
		t.Fatalf("buddy engine holds %d free pages after drain, want 3", drainedPages)
	}
}

// TestDrainAllIsIdempotent locks down the "Idempotence of drain"
// law: draining twice in a row has the same effect as once.
func TestDrainAllIsIdempotent(t *testing.T) {
	s, _ := newTestSet(t, 32, 3, 18)
	for pfn := page.Pfn(0); pfn < 10; pfn++ {
		if err := s.Free(0, pfn, pageblock.Movable, false); err != nil {
			t.Fatalf("free(%d): %v", pfn, err)
		}
	}
	s.DrainAll()
	afterFirst := s.TotalCount()
	s.DrainAll()
	if got := s.TotalCount(); got != afterFirst || got != 0 {
		t.Fatalf("second DrainAll changed state: got %d, want %d (0)", got, afterFirst)
	}
}

// TestNonPCPMobilityBypassesCache exercises the Reserve/Isolate bypass
// path: such frees must go straight to the buddy engine rather than sit
// in a cache the drain round-robin doesn't even index.
func TestNonPCPMobilityBypassesCache(t *testing.T) {
	s, engine := newTestSet(t, 32, 3, 18)
	if err := s.Free(0, 5, pageblock.Reserve, false); err != nil {
		t.Fatalf("free: %v", err)
	}
	if s.TotalCount() != 0 {
		t.Fatalf("Reserve-class free should never enter the PCP cache")
	}
	if !engine.IsFreeBuddy(5, 0) {
		t.Fatalf("expected pfn 5 to land directly on the buddy free list")
	}
}
