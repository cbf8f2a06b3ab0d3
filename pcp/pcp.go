// Package pcp implements the per-CPU hot/cold page cache: a
// lock-free-from-the-caller's-view fast path for order-0 traffic, bulk
// refill/drain against a zone's buddy engine, and round-robin draining
// across mobility classes so no one class can monopolize eviction.
//
// The per-CPU list bookkeeping (head/tail indices, a count against a high
// watermark, batch-sized bulk moves) generalizes a capped per-CPU cache
// that overflows to a shared pool once a threshold is hit, here keyed by
// mobility class and surfaced as three lists rather than one.
package pcp

import (
	"sync"

	"github.com/oichkatzele/pfalloc/kernerr"
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
	"github.com/oichkatzele/pfalloc/util"
	"github.com/oichkatzele/pfalloc/vmstat"
	"github.com/oichkatzele/pfalloc/zone"
)

// pageSize backs the batch-sizing formula; it is not load
// bearing anywhere else in this package.
const pageSize = 4096

// numClasses is the number of PCP mobility classes: one per PCP
// mobility class, Unmovable/Reclaimable/Movable. Reserve and Isolate
// bypass PCP entirely and free straight to the buddy engine.
const numClasses = 3

func pcpClass(m pageblock.Mobility) (int, bool) {
	switch m {
	case pageblock.Unmovable:
		return 0, true
	case pageblock.Reclaimable:
		return 1, true
	case pageblock.Movable:
		return 2, true
	default:
		return 0, false
	}
}

func classMobility(idx int) pageblock.Mobility {
	switch idx {
	case 0:
		return pageblock.Unmovable
	case 1:
		return pageblock.Reclaimable
	default:
		return pageblock.Movable
	}
}

// list is a doubly linked chain of order-0 PFNs, threaded through the same
// page.Table linkage the buddy free lists use — a page is never on both at
// once (invariant 1), so reusing the storage is safe.
type list struct {
	head, tail page.Pfn
	len        uint32
}

func (l *list) empty() bool { return l.len == 0 }

// Pageset is one CPU's cache for one zone (the "per-CPU pageset").
type Pageset struct {
	lists  [numClasses]list
	Count  uint32
	High   uint32
	Batch  uint32
	drainAt int // rotating start index for round-robin draining
}

// Set owns every CPU's Pageset for a single zone.
type Set struct {
	Zone  *zone.Zone
	pages *page.Table

	mu   []sync.Mutex
	sets []Pageset

	// highOverride replaces the derived 6*batch high watermark when
	// nonzero, driven by percpu_pagelist_fraction.
	highOverride uint32

	// Faults reports and taints on an integrity fault on free; nil
	// disables reporting (the default, so tests stay silent).
	Faults *vmstat.FaultReporter
}

// New creates a PCP set sized for ncpu CPUs against z, with batch/high
// computed from z.PresentPages (the sizing formula), and wires
// itself into z.PCP so zone.FreePages can see cached pages too.
func New(z *zone.Zone, ncpu int) *Set {
	s := &Set{
		Zone:  z,
		pages: z.Engine.Pages,
		mu:    make([]sync.Mutex, ncpu),
		sets:  make([]Pageset, ncpu),
	}
	s.Reconfigure(z.PresentPages)
	z.PCP = s
	return s
}

// SetFaultReporter wires a fault reporter into the set; called once
// during zone setup after New.
func (s *Set) SetFaultReporter(r *vmstat.FaultReporter) { s.Faults = r }

// SetHighOverride installs a percpu_pagelist_fraction-style override for
// the high watermark (present_pages/fraction instead of the derived
// 6*batch default), applies it immediately via Reconfigure, and drains
// every CPU's cache so no pageset is left sitting above its new high
// watermark, the zone_pcp_update-style reconfiguration. high == 0
// reverts to the derived default.
func (s *Set) SetHighOverride(high uint32) {
	s.highOverride = high
	s.Reconfigure(s.Zone.PresentPages)
	s.DrainAll()
}

// Reconfigure recomputes batch/high for every CPU's pageset:
// batch = min(present_pages/1024, 512KiB/page_size)/4, rounded up to
// 2^n-1; high = 6*batch, unless highOverride is set (percpu_pagelist_fraction).
// Called at setup (New) and by SetHighOverride when the
// percpu_pagelist_fraction-style override changes.
func (s *Set) Reconfigure(presentPages uint64) {
	batch := util.Min(presentPages/1024, (512*1024)/pageSize) / 4
	if batch == 0 {
		batch = 1
	}
	batch = util.RoundPow2Minus1(batch)
	high := 6 * batch
	if s.highOverride > 0 {
		high = uint64(s.highOverride)
	}

	for i := range s.sets {
		s.mu[i].Lock()
		s.sets[i].Batch = uint32(batch)
		s.sets[i].High = uint32(high)
		s.mu[i].Unlock()
	}
}

// TotalCount implements zone.PCPCounter: the sum of every CPU's cached
// page count, for this zone's free-page accounting.
func (s *Set) TotalCount() uint64 {
	var n uint64
	for i := range s.sets {
		s.mu[i].Lock()
		n += uint64(s.sets[i].Count)
		s.mu[i].Unlock()
	}
	return n
}

// Alloc serves an order-0 request from cpu's cache, refilling from the
// buddy engine under the zone lock when the requested class's list is
// empty (this "On allocation").
func (s *Set) Alloc(cpu int, mobility pageblock.Mobility, cold bool) (page.Pfn, error) {
	ci, ok := pcpClass(mobility)
	if !ok {
		return s.allocDirect(mobility)
	}

	s.mu[cpu].Lock()
	defer s.mu[cpu].Unlock()
	ps := &s.sets[cpu]

	if ps.lists[ci].empty() {
		if err := s.refill(ps, ci, mobility); err != nil {
			return 0, err
		}
	}
	if ps.lists[ci].empty() {
		return 0, kernerr.ErrOutOfMemory
	}
	return s.detach(ps, ci, cold), nil
}

func (s *Set) allocDirect(mobility pageblock.Mobility) (page.Pfn, error) {
	s.Zone.Mu.Lock()
	defer s.Zone.Mu.Unlock()
	return s.Zone.Engine.Alloc(0, mobility)
}

// refill pulls batch order-0 blocks from the buddy engine under the zone
// lock and threads them onto ps's list, preserving the physical ordering
// the buddy engine hands them back in.
func (s *Set) refill(ps *Pageset, ci int, mobility pageblock.Mobility) error {
	s.Zone.Mu.Lock()
	defer s.Zone.Mu.Unlock()

	n := ps.Batch
	if n == 0 {
		n = 1
	}
	var pulled uint32
	for ; pulled < n; pulled++ {
		pfn, err := s.Zone.Engine.Alloc(0, mobility)
		if err != nil {
			break
		}
		s.appendLocked(ps, ci, pfn)
	}
	if pulled == 0 {
		return kernerr.ErrOutOfMemory
	}
	return nil
}

func (s *Set) appendLocked(ps *Pageset, ci int, pfn page.Pfn) {
	l := &ps.lists[ci]
	if l.empty() {
		l.head, l.tail = pfn, pfn
		s.pages.SetLink(pfn, page.NoLink(), page.NoLink(), false, false)
	} else {
		oldTail := l.tail
		oldTailPrev, hasOldTailPrev := s.pages.Prev(oldTail)
		s.pages.SetLink(oldTail, pfn, oldTailPrev, true, hasOldTailPrev)
		s.pages.SetLink(pfn, page.NoLink(), oldTail, false, true)
		l.tail = pfn
	}
	l.len++
	ps.Count++
	s.markPCP(pfn, ci)
}

// markPCP transitions pfn to the Free(PCP) state:
// PG_buddy=0, refcount=0, private=mobility (the PCP class index, not a
// buddy order — Private's meaning is state-dependent).
func (s *Set) markPCP(pfn page.Pfn, ci int) {
	d := s.pages.At(pfn)
	d.State = page.StateFreePCP
	d.Refcount = 0
	d.Flags &^= page.FlagBuddy
	d.Private = page.Order(ci)
	d.Mobility = classMobility(ci)
}

// detach pops from the head (hot) or tail (cold) of ps's list at ci and
// hands the page to the caller, transitioning it to Allocated since it
// is leaving every free list.
func (s *Set) detach(ps *Pageset, ci int, cold bool) page.Pfn {
	l := &ps.lists[ci]
	var pfn page.Pfn
	if cold {
		pfn = l.tail
	} else {
		pfn = l.head
	}
	s.removeLocked(ps, ci, pfn)
	d := s.pages.At(pfn)
	d.State = page.StateAllocated
	d.Refcount = 1
	return pfn
}

func (s *Set) removeLocked(ps *Pageset, ci int, pfn page.Pfn) {
	l := &ps.lists[ci]
	next, hasNext := s.pages.Next(pfn)
	prev, hasPrev := s.pages.Prev(pfn)
	if hasPrev {
		prevPrev, hasPrevPrev := s.pages.Prev(prev)
		s.pages.SetLink(prev, next, prevPrev, hasNext, hasPrevPrev)
	} else {
		l.head = next
	}
	if hasNext {
		nextNext, hasNextNext := s.pages.Next(next)
		s.pages.SetLink(next, nextNext, prev, hasNextNext, hasPrev)
	} else {
		l.tail = prev
	}
	s.pages.Unlink(pfn)
	l.len--
	ps.Count--
}

// Free returns an order-0 page to cpu's cache, or directly to the buddy
// engine when its page-block mobility maps to a non-PCP class: those
// bypass PCP and free directly. If the pageset's total count across all
// classes reaches High afterward, it drains Batch pages back to the buddy
// engine using the round-robin policy.
func (s *Set) Free(cpu int, pfn page.Pfn, mobility pageblock.Mobility, cold bool) error {
	ci, ok := pcpClass(mobility)
	if !ok {
		s.Zone.Mu.Lock()
		defer s.Zone.Mu.Unlock()
		return s.Zone.Engine.Free(pfn, 0, mobility)
	}

	if err := s.pages.ValidateForFree(pfn); err != nil {
		if s.Faults != nil {
			s.Faults.Taint()
			s.Faults.ReportOnce(vmstat.DumpOf(pfn, s.pages.At(pfn)))
		}
		s.pages.Reset(pfn)
		return err
	}

	s.mu[cpu].Lock()
	defer s.mu[cpu].Unlock()
	ps := &s.sets[cpu]

	if cold {
		s.appendLocked(ps, ci, pfn)
	} else {
		s.prependLocked(ps, ci, pfn)
	}

	if ps.Count >= ps.High {
		s.drain(ps, ps.Batch)
	}
	return nil
}

func (s *Set) prependLocked(ps *Pageset, ci int, pfn page.Pfn) {
	l := &ps.lists[ci]
	if l.empty() {
		l.head, l.tail = pfn, pfn
		s.pages.SetLink(pfn, page.NoLink(), page.NoLink(), false, false)
	} else {
		oldHead := l.head
		oldHeadNext, hasOldHeadNext := s.pages.Next(oldHead)
		s.pages.SetLink(oldHead, oldHeadNext, pfn, hasOldHeadNext, true)
		s.pages.SetLink(pfn, oldHead, page.NoLink(), true, false)
		l.head = pfn
	}
	l.len++
	ps.Count++
	s.markPCP(pfn, ci)
}

// drain returns up to n pages from ps back to the buddy engine, rotating
// across the three mobility classes one page per class per pass: advance
// a rotating index and drain one block from each non-empty list per
// pass, except when only one list is non-empty, in which case it drains
// the entire remainder from it.
func (s *Set) drain(ps *Pageset, n uint32) {
	s.Zone.Mu.Lock()
	defer s.Zone.Mu.Unlock()

	var drained uint32
	for drained < n {
		nonEmpty := 0
		for i := 0; i < numClasses; i++ {
			if !ps.lists[i].empty() {
				nonEmpty++
			}
		}
		if nonEmpty == 0 {
			break
		}
		if nonEmpty == 1 {
			for i := 0; i < numClasses; i++ {
				for !ps.lists[i].empty() && drained < n {
					s.drainOne(ps, i)
					drained++
				}
			}
			continue
		}
		progressed := false
		for pass := 0; pass < numClasses && drained < n; pass++ {
			ci := (ps.drainAt + pass) % numClasses
			if ps.lists[ci].empty() {
				continue
			}
			s.drainOne(ps, ci)
			drained++
			progressed = true
		}
		ps.drainAt = (ps.drainAt + 1) % numClasses
		if !progressed {
			break
		}
	}
}

func (s *Set) drainOne(ps *Pageset, ci int) {
	pfn := ps.lists[ci].head
	s.removeLocked(ps, ci, pfn)
	// caller already holds s.Zone.Mu
	_ = s.Zone.Engine.Free(pfn, 0, classMobility(ci))
}

// DrainLocal forces cpu's entire cache for this zone back to the buddy
// engine, used before compaction, on CPU offline, or under pressure.
func (s *Set) DrainLocal(cpu int) {
	s.mu[cpu].Lock()
	defer s.mu[cpu].Unlock()
	ps := &s.sets[cpu]
	s.drain(ps, ps.Count)
}

// DrainAll forces every CPU's cache for this zone back to the buddy
// engine. Calling it twice in a row is idempotent (this "Idempotence
// of drain"): the second call finds every list already empty.
func (s *Set) DrainAll() {
	for cpu := range s.sets {
		s.DrainLocal(cpu)
	}
}
