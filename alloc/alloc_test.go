package alloc

import (
	"context"
	"testing"

	"github.com/oichkatzele/pfalloc/buddy"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
	"github.com/oichkatzele/pfalloc/reclaim"
	"github.com/oichkatzele/pfalloc/zone"
	"github.com/oichkatzele/pfalloc/zonelist"
)

func newSingleZoneList(t *testing.T, frames int) (*zonelist.List, *zone.Zone, *buddy.Engine) {
	t.Helper()
	pages := page.NewTable(0, frames)
	engine := buddy.New(pages, 2, 0)
	z := zone.New("normal", engine, 0, uint64(frames))
	z.SetWatermarks(0, 0, 0)
	z.SetLowmemReserve([]uint64{0})

	node := &zonelist.Node{ID: 0, Zones: []*zone.Zone{z}}
	zl := zonelist.Build(node, []*zonelist.Node{node}, true, false)
	return zl, z, engine
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	zl, _, engine := newSingleZoneList(t, 16)
	engine.AddFreeRegion(0, 4, pageblock.Movable)

	a := New(zl, nil, Collaborators{})

	pfn, _, err := a.Allocate(context.Background(), 0, FlagMovableAllowed, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pfn != 0 {
		t.Fatalf("pfn = %d, want 0", pfn)
	}

	if err := a.Free(pfn, 0, 0); err != nil {
		t.Fatalf("free: %v", err)
	}
	if !engine.IsFreeBuddy(0, 4) {
		t.Fatalf("expected the block to fully coalesce back to order 4 at pfn 0")
	}
}

// TestFallbackExhaustionNoRetry is half of this scenario: with every
// free list empty and the stub reclaim/compact/OOM collaborators making
// no progress, a __GFP_NORETRY-flagged request fails immediately instead
// of looping.
func TestFallbackExhaustionNoRetry(t *testing.T) {
	zl, _, _ := newSingleZoneList(t, 4) // no AddFreeRegion: every list starts empty

	a := New(zl, nil, Collaborators{})

	_, _, err := a.Allocate(context.Background(), 0, FlagMaySleep|FlagMovableAllowed|FlagNoRetry, 0)
	if err == nil {
		t.Fatalf("expected out-of-memory, got a successful allocation")
	}
}

// TestFallbackExhaustionNoFailEventuallySucceeds is the other half of
// this scenario: a __GFP_NOFAIL request keeps retrying until a
// custom reclaim policy actually frees a page.
func TestFallbackExhaustionNoFailEventuallySucceeds(t *testing.T) {
	zl, _, _ := newSingleZoneList(t, 4)

	var calls int
	reclaimer := func(z *zone.Zone, order int) int {
		calls++
		if calls >= 2 {
			z.Mu.Lock()
			z.Engine.AddFreeRegion(0, 0, pageblock.Movable)
			z.Mu.Unlock()
			return 1
		}
		return 0
	}

	a := New(zl, nil, Collaborators{Reclaim: reclaim.New(reclaimer)})

	pfn, _, err := a.Allocate(context.Background(), 0, FlagMaySleep|FlagMovableAllowed|FlagNoFail, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pfn != 0 {
		t.Fatalf("pfn = %d, want 0", pfn)
	}
	if calls < 2 {
		t.Fatalf("expected the reclaimer to be retried at least twice, got %d calls", calls)
	}
}

func TestSplitHighOrderThenFreeEachPage(t *testing.T) {
	zl, z, engine := newSingleZoneList(t, 16)
	engine.AddFreeRegion(0, 4, pageblock.Movable)

	a := New(zl, nil, Collaborators{})

	pfn, _, err := a.Allocate(context.Background(), 2, FlagMovableAllowed|FlagCompound, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := a.SplitHighOrder(pfn, 2); err != nil {
		t.Fatalf("split: %v", err)
	}

	for i := page.Pfn(0); i < 4; i++ {
		d := z.Engine.Pages.At(pfn + i)
		if d.State != page.StateAllocated {
			t.Fatalf("page %d should be Allocated after split, got %v", pfn+i, d.State)
		}
		if err := a.Free(pfn+i, 0, 0); err != nil {
			t.Fatalf("free split page %d: %v", pfn+i, err)
		}
	}

	if !engine.IsFreeBuddy(0, 4) {
		t.Fatalf("freeing every split page individually should still coalesce back to order 4")
	}
}

func TestAllocExactReleasesRoundingTail(t *testing.T) {
	zl, _, engine := newSingleZoneList(t, 16)
	engine.AddFreeRegion(0, 4, pageblock.Movable)

	a := New(zl, nil, Collaborators{})

	// 3 pages' worth rounds up to order 2 (4 pages); AllocExact should
	// keep 3 and release the 4th back to the buddy engine directly.
	const pageSize = 4096
	kept, err := a.AllocExact(context.Background(), 3*pageSize, FlagMovableAllowed, 0)
	if err != nil {
		t.Fatalf("alloc_exact: %v", err)
	}
	if len(kept) != 3 {
		t.Fatalf("len(kept) = %d, want 3", len(kept))
	}
	if !engine.IsFreeBuddy(3, 0) {
		t.Fatalf("expected the rounding remainder at pfn 3 to be released as a free order-0 block")
	}

	if err := a.AllocExactFree(kept, 0); err != nil {
		t.Fatalf("alloc_exact_free: %v", err)
	}
	if !engine.IsFreeBuddy(0, 4) {
		t.Fatalf("freeing every kept page should let the block coalesce back to order 4")
	}
}
