// Package alloc is the public facade of the allocator: it ties the
// buddy engine, per-CPU caches, zone watermarks and the zonelist walker
// together behind a handful of entry points (Allocate, Free,
// FreeHotCold, SplitHighOrder, AllocExact/AllocExactFree), and
// implements the slow-path escalation ladder on top of the
// reclaim/compact/oom collaborators.
package alloc

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/oichkatzele/pfalloc/compact"
	"github.com/oichkatzele/pfalloc/kernerr"
	"github.com/oichkatzele/pfalloc/oom"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
	"github.com/oichkatzele/pfalloc/pcp"
	"github.com/oichkatzele/pfalloc/reclaim"
	"github.com/oichkatzele/pfalloc/util"
	"github.com/oichkatzele/pfalloc/zone"
	"github.com/oichkatzele/pfalloc/zonelist"
)

// Flags is the GFP-style request flag set. FlagMayIO, FlagMayFS,
// FlagNoWarn, FlagHighmemAllowed and FlagDMAOnly are accepted but not
// consulted by the allocator: they neither restrict the zones walked nor
// change reclaim. FlagThisNodeOnly only adds zone.AllocCpuset to the
// watermark flags, which nothing reads, so remote-node fallback still
// happens.
type Flags uint32

const (
	FlagMaySleep          Flags = 1 << iota // caller tolerates blocking in the slow path
	FlagMayIO                               // reclaim may issue I/O
	FlagMayFS                               // reclaim may call back into a filesystem
	FlagHigh                                // high-priority: halve the watermark
	FlagAtomic                              // atomic context: take ALLOC_HARDER
	FlagMemallocEmergency                   // PF_MEMALLOC equivalent: skip watermarks entirely
	FlagZero                                // zero the frame before returning it (caller's responsibility to honor)
	FlagCompound                            // allocate as a single multi-page (compound) object
	FlagNoRetry                             // give up immediately once the first slow-path round fails
	FlagNoFail                              // never give up; retry indefinitely with backoff
	FlagRepeat                              // keep retrying until reclaimed pages >= 2^order
	FlagNoWarn                              // suppress OOM warnings; the OOM path emits none
	FlagHighmemAllowed                      // permitted to use the highest-addressed zone
	FlagDMAOnly                             // restricted to the DMA zone
	FlagMovableAllowed                      // allocation may be migrated or reclaimed on demand
	FlagThisNodeOnly                        // sets zone.AllocCpuset; remote-node fallback is not prevented
	FlagNoKswapd                            // skip waking background reclaim
	FlagCold                                // prefer a cold (tail) page over a hot one
)

const costlyOrderThreshold = 3 // PAGE_ALLOC_COSTLY_ORDER equivalent

// Collaborators bundles the pluggable policies the slow path calls into.
// A zero value is usable: it resolves to Skip/ShrinkNothing/DefaultVictim,
// the same stub policies that keep the core testable in isolation.
type Collaborators struct {
	Reclaim *reclaim.Policy
	Compact compact.Compactor
	OOM     *oom.Policy
}

func (c *Collaborators) resolve() Collaborators {
	out := *c
	if out.Reclaim == nil {
		out.Reclaim = reclaim.New(nil)
	}
	if out.Compact == nil {
		out.Compact = compact.Skip
	}
	if out.OOM == nil {
		out.OOM = oom.New(nil)
	}
	return out
}

// Allocator is the facade over one zonelist's worth of zones.
type Allocator struct {
	Zonelist *zonelist.List
	Cpuset   zonelist.CpusetFunc
	Dirty    zonelist.DirtyFunc

	pcpByZone map[*zone.Zone]*pcp.Set
	oomToken  oom.ZonelistToken

	collab Collaborators

	classZoneIdx int
	suspended    bool
}

// New builds an Allocator over a constructed zonelist. pcpByZone maps
// each zone to its per-CPU cache set; a zone absent from the map is
// always served directly from its buddy engine (used by zones whose
// workload never benefits from per-CPU caching, e.g. a DMA zone).
func New(zl *zonelist.List, pcpByZone map[*zone.Zone]*pcp.Set, collab Collaborators) *Allocator {
	return &Allocator{
		Zonelist:  zl,
		pcpByZone: pcpByZone,
		oomToken:  new(struct{}),
		collab:    collab.resolve(),
	}
}

// Suspend and Resume implement a no-I/O suspend window: while suspended,
// reclaim is treated as ineffective and the slow path short-circuits to
// failure rather than blocking.
func (a *Allocator) Suspend() { a.suspended = true }
func (a *Allocator) Resume()  { a.suspended = false }

func mobilityFor(flags Flags) pageblock.Mobility {
	if flags&FlagMovableAllowed != 0 {
		return pageblock.Movable
	}
	return pageblock.Unmovable
}

func (a *Allocator) computeAllocFlags(flags Flags) zone.AllocFlags {
	var af zone.AllocFlags
	if flags&FlagHigh != 0 {
		af |= zone.AllocHigh
	}
	if flags&FlagAtomic != 0 {
		af |= zone.AllocHarder
	}
	if flags&FlagMemallocEmergency != 0 {
		af |= zone.AllocNoWatermarks
	}
	if flags&FlagThisNodeOnly != 0 {
		af |= zone.AllocCpuset
	}
	return af
}

// zoneForPfn resolves the owning zone of a PFN by range containment,
// the userspace stand-in for the kernel's PFN→section→zone-id lookup:
// a page's zone is resolved by PFN arithmetic, not a stored pointer.
func (a *Allocator) zoneForPfn(pfn page.Pfn) *zone.Zone {
	for _, z := range a.Zonelist.Zones() {
		if pfn >= z.ZoneStartPfn && uint64(pfn-z.ZoneStartPfn) < z.SpannedPages {
			return z
		}
	}
	return nil
}

func (a *Allocator) allocFromZone(z *zone.Zone, cpu int, order page.Order, mobility pageblock.Mobility, cold, compound bool) (page.Pfn, error) {
	if order == 0 {
		if ps, ok := a.pcpByZone[z]; ok {
			return ps.Alloc(cpu, mobility, cold)
		}
	}

	z.Mu.Lock()
	defer z.Mu.Unlock()
	pfn, err := z.Engine.Alloc(order, mobility)
	if err != nil {
		return 0, err
	}
	if compound && order > 0 {
		markCompound(z, pfn, order)
	}
	return pfn, nil
}

func markCompound(z *zone.Zone, pfn page.Pfn, order page.Order) {
	head := z.Engine.Pages.At(pfn)
	head.Flags |= page.FlagHead
	head.Private = order
	n := page.Pfn(1) << uint(order)
	for i := page.Pfn(1); i < n; i++ {
		z.Engine.Pages.MarkTail(pfn+i, pfn)
	}
}

// tryZonelist runs a single pass of the zonelist walker at the given
// allocation flags, attempting to serve the request from the first zone
// that passes cpuset/dirty/watermark filtering.
func (a *Allocator) tryZonelist(order page.Order, mobility pageblock.Mobility, cold, compound bool, cpu int, af zone.AllocFlags) (page.Pfn, *zone.Zone, error) {
	var resultPfn page.Pfn
	var resultErr error = kernerr.ErrOutOfMemory

	z, ok := a.Zonelist.Walk(int(order), a.classZoneIdx, af, a.Cpuset, a.Dirty, nil, func(z *zone.Zone) bool {
		pfn, err := a.allocFromZone(z, cpu, order, mobility, cold, compound)
		if err != nil {
			return false
		}
		resultPfn, resultErr = pfn, nil
		return true
	})
	if !ok || z == nil {
		return 0, nil, kernerr.ErrOutOfMemory
	}
	return resultPfn, z, resultErr
}

// Allocate is the top-level entry point:
// allocate(order, flags, preferred_node, nodemask) → frame | none. The
// preferred-node/nodemask arguments are realized as the Allocator's
// Zonelist having already been constructed for that node (package
// zonelist) and Cpuset filtering the rest.
func (a *Allocator) Allocate(ctx context.Context, order int, flags Flags, cpu int) (page.Pfn, *zone.Zone, error) {
	if order < 0 {
		return 0, nil, kernerr.ErrBadOrder
	}
	mobility := mobilityFor(flags)
	cold := flags&FlagCold != 0
	compound := flags&FlagCompound != 0
	af := a.computeAllocFlags(flags)

	if pfn, z, err := a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkLow); err == nil {
		return pfn, z, nil
	}

	return a.slowPath(ctx, order, flags, mobility, cold, compound, cpu, af)
}

func (a *Allocator) yieldOrSuspend(ctx context.Context, flags Flags) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	runtime.Gosched()
	if a.suspended {
		return kernerr.ErrSuspended
	}
	return nil
}

// slowPath runs the escalation ladder: wake background reclaim, retry,
// attempt direct compaction, attempt direct reclaim and retry, then
// either back off and retry or give up and invoke the OOM policy.
func (a *Allocator) slowPath(ctx context.Context, order int, flags Flags, mobility pageblock.Mobility, cold, compound bool, cpu int, af zone.AllocFlags) (page.Pfn, *zone.Zone, error) {
	zones := a.Zonelist.Zones()

	// Step 1: wake background reclaim on every zone in the zonelist;
	// zones above the request's highest allowed zone are not skipped.
	if flags&FlagNoKswapd == 0 {
		for _, z := range zones {
			a.collab.Reclaim.WakeupBackgroundReclaim(z, order, a.classZoneIdx)
		}
	}

	// Step 2/3: recompute flags (already folded into af by
	// computeAllocFlags) and retry against the min watermark.
	if pfn, z, err := a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkMin); err == nil {
		return pfn, z, nil
	}

	if flags&FlagMaySleep == 0 {
		return 0, nil, kernerr.ErrOutOfMemory
	}

	var progress int
	var attempt int
	for {
		if err := a.yieldOrSuspend(ctx, flags); err != nil {
			return 0, nil, errors.Wrapf(err, "alloc: slow path interrupted")
		}

		// Step 4a: direct compaction.
		if res := a.collab.Compact(order, mobility); res.Progress && res.Order >= order {
			if pfn, z, err := a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkMin); err == nil {
				return pfn, z, nil
			}
		}

		// Step 4b: direct reclaim, then drain PCP (reclaimed pages may be
		// pinned there), then retry.
		reclaimed, rerr := a.collab.Reclaim.TryToFreePages(ctx, zones, order)
		if rerr != nil {
			return 0, nil, errors.Wrapf(rerr, "alloc: direct reclaim")
		}
		if reclaimed > 0 {
			a.drainAllPCP()
			if pfn, z, err := a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkMin); err == nil {
				return pfn, z, nil
			}
			progress += reclaimed
			continue
		}

		// Step 4c: no progress this round.
		if pfn, z, err := a.oomPath(order, flags, mobility, cold, compound, cpu, af); err == nil {
			return pfn, z, nil
		}

		if flags&FlagNoRetry != 0 {
			return 0, nil, kernerr.ErrOutOfMemory
		}
		if order <= costlyOrderThreshold {
			a.backoff(attempt)
			attempt++
			continue
		}
		if flags&FlagRepeat != 0 {
			if progress < (1 << uint(order)) {
				continue
			}
			return 0, nil, kernerr.ErrOutOfMemory
		}
		if flags&FlagNoFail != 0 {
			a.backoff(attempt)
			attempt++
			continue
		}
		return 0, nil, kernerr.ErrOutOfMemory
	}
}

// backoff sleeps briefly, capped, scaling with the attempt count, for
// the retry-with-delay and NOFAIL backoff loop.
func (a *Allocator) backoff(attempt int) {
	d := time.Duration(attempt+1) * time.Millisecond
	if d > 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	time.Sleep(d)
}

// oomPath retakes the zonelist walker with
// ALLOC_WMARK_HIGH|ALLOC_CPUSET to catch a parallel killer's freed
// memory; if that fails, ask the OOM collaborator to kill a victim and
// retry once more.
func (a *Allocator) oomPath(order int, flags Flags, mobility pageblock.Mobility, cold, compound bool, cpu int, af zone.AllocFlags) (page.Pfn, *zone.Zone, error) {
	if !a.collab.OOM.TrySetZonelistOOM(a.oomToken) {
		return a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkMin)
	}
	defer a.collab.OOM.ClearZonelistOOM(a.oomToken)

	if pfn, z, err := a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, zone.AllocWmarkHigh|zone.AllocCpuset); err == nil {
		return pfn, z, nil
	}

	v := a.collab.OOM.OutOfMemory(order, 1<<uint(order), flags&FlagMemallocEmergency != 0)
	if !v.Killed {
		return 0, nil, kernerr.ErrOutOfMemory
	}
	return a.tryZonelist(page.Order(order), mobility, cold, compound, cpu, af|zone.AllocWmarkMin)
}

func (a *Allocator) drainAllPCP() {
	for _, ps := range a.pcpByZone {
		ps.DrainAll()
	}
}

// Free releases a block of the given order back to its zone, reading
// the block's mobility class from its own descriptor rather than
// requiring the caller to remember it.
func (a *Allocator) Free(pfn page.Pfn, order int, cpu int) error {
	return a.free(pfn, page.Order(order), cpu, false)
}

// FreeHotCold is Free for order-0 pages with an explicit hot/cold hint.
func (a *Allocator) FreeHotCold(pfn page.Pfn, cpu int, cold bool) error {
	return a.free(pfn, 0, cpu, cold)
}

func (a *Allocator) free(pfn page.Pfn, order page.Order, cpu int, cold bool) error {
	z := a.zoneForPfn(pfn)
	if z == nil {
		return kernerr.ErrCrossZone
	}

	z.Mu.Lock()
	d := z.Engine.Pages.At(pfn)
	if d.State != page.StateAllocated {
		z.Mu.Unlock()
		return kernerr.ErrPageNotAllocated
	}
	mobility := d.Mobility
	d.Refcount = 0 // caller's last reference just dropped
	z.Mu.Unlock()

	if order == 0 {
		if ps, ok := a.pcpByZone[z]; ok {
			return ps.Free(cpu, pfn, mobility, cold)
		}
	}

	z.Mu.Lock()
	defer z.Mu.Unlock()
	return z.Engine.Free(pfn, order, mobility)
}

// SplitHighOrder exposes a compound allocation as independent single
// pages , matching the original's split_page: each resulting
// page must subsequently be freed individually, and compound invariants
// no longer apply to it once split (this open question (b)).
func (a *Allocator) SplitHighOrder(pfn page.Pfn, order int) error {
	z := a.zoneForPfn(pfn)
	if z == nil {
		return kernerr.ErrCrossZone
	}

	z.Mu.Lock()
	defer z.Mu.Unlock()

	head := z.Engine.Pages.At(pfn)
	if head.Flags&page.FlagHead == 0 {
		return kernerr.ErrSplitNotCompound
	}

	n := page.Pfn(1) << uint(order)
	mobility := head.Mobility
	for i := page.Pfn(1); i < n; i++ {
		tail := z.Engine.Pages.At(pfn + i)
		tail.Flags &^= page.FlagTail
		tail.HeadPfn = 0
		tail.State = page.StateAllocated
		tail.Refcount = 1
		tail.Private = 0
		tail.Mobility = mobility
	}
	head.Flags &^= page.FlagHead
	head.Private = 0
	return nil
}

// AllocExact implements alloc_pages_exact: round nbytes up to the
// covering order, allocate a compound block, and release the
// over-allocated tail one page at a time directly to the buddy engine
// rather than leaving it allocated or routing it through the PCP.
func (a *Allocator) AllocExact(ctx context.Context, nbytes uint64, flags Flags, cpu int) ([]page.Pfn, error) {
	const pageSize = 4096
	pages := util.Roundup(nbytes, pageSize) / pageSize
	if pages == 0 {
		pages = 1
	}
	order := util.Log2Ceil(pages)

	pfn, z, err := a.Allocate(ctx, int(order), flags|FlagCompound, cpu)
	if err != nil {
		return nil, err
	}

	total := uint64(1) << order
	kept := make([]page.Pfn, 0, pages)
	for i := uint64(0); i < pages; i++ {
		kept = append(kept, pfn+page.Pfn(i))
	}

	if err := a.releaseExactTail(z, pfn, pages, total); err != nil {
		return kept, errors.Wrapf(err, "alloc: releasing alloc_exact tail")
	}
	return kept, nil
}

// AllocExactFree is the reverse of AllocExact: free every page returned
// by it individually, matching free_pages_exact in the original.
func (a *Allocator) AllocExactFree(pages []page.Pfn, cpu int) error {
	for _, pfn := range pages {
		if err := a.Free(pfn, 0, cpu); err != nil {
			return err
		}
	}
	return nil
}

// releaseExactTail un-marks the compound head/tail relationship across
// the whole block (AllocExact's caller only keeps `pages` of it) and
// frees pages[pages:total) one at a time, matching free_pages_exact's
// page-at-a-time release of the rounding remainder.
func (a *Allocator) releaseExactTail(z *zone.Zone, pfn page.Pfn, pages, total uint64) error {
	z.Mu.Lock()
	head := z.Engine.Pages.At(pfn)
	mobility := head.Mobility
	head.Flags &^= page.FlagHead
	head.Private = 0
	for i := uint64(1); i < total; i++ {
		tail := z.Engine.Pages.At(pfn + page.Pfn(i))
		tail.Flags &^= page.FlagTail
		tail.HeadPfn = 0
		tail.State = page.StateAllocated
		tail.Refcount = 1
		tail.Mobility = mobility
	}
	z.Mu.Unlock()

	for i := pages; i < total; i++ {
		p := pfn + page.Pfn(i)
		z.Mu.Lock()
		d := z.Engine.Pages.At(p)
		d.Refcount = 0
		err := z.Engine.Free(p, 0, d.Mobility)
		z.Mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
