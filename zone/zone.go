// Package zone implements the watermark and fallback-reserve policy:
// three watermarks (min/low/high) derived at setup time, a lowmem-reserve
// vector protecting lower zones from higher-zone demand, a dirty-balance
// reserve, and the per-order halving watermark test. A Zone wraps one
// buddy.Engine plus the bookkeeping the buddy engine itself has no
// opinion about.
package zone

import (
	"sync"

	"github.com/oichkatzele/pfalloc/buddy"
	"github.com/oichkatzele/pfalloc/page"
)

// AllocFlags modulates the watermark test.
type AllocFlags uint32

const (
	AllocHigh          AllocFlags = 1 << iota // halve the mark
	AllocHarder                               // take an additional quarter off
	AllocNoWatermarks                         // skip the test entirely
	AllocCpuset                               // cpuset-restricted request; not read by the watermark test or the zonelist walker
	AllocWmarkMin                             // test against the min watermark
	AllocWmarkLow                             // test against the low watermark
	AllocWmarkHigh                            // test against the high watermark
)

// PCPCounter reports how many pages currently sit in a zone's per-CPU
// caches, so the watermark test sees the same "free" page count a real
// kernel's NR_FREE_PAGES vmstat entry would. Implemented by package pcp;
// kept as an interface here so zone does not import pcp (pcp already
// depends on zone-adjacent types, and the dependency should run one way).
type PCPCounter interface {
	TotalCount() uint64
}

// Zone is one NUMA node's address-range partition (the "Zone").
type Zone struct {
	Name string

	Engine *buddy.Engine
	PCP    PCPCounter // nil in tests that exercise buddy-only behavior

	Mu sync.Mutex

	ZoneStartPfn page.Pfn
	SpannedPages uint64
	PresentPages uint64

	MinWatermark  uint64
	LowWatermark  uint64
	HighWatermark uint64

	// LowmemReserve[i] is the number of pages reserved in this zone against
	// allocations targeting the zone at classzone index i.
	LowmemReserve []uint64

	DirtyBalanceReserve uint64
}

// New creates a zone over an existing buddy engine. Watermarks and
// lowmem-reserve are left zero; call SetWatermarks / SetLowmemReserve
// (normally driven by package config) before serving allocations.
func New(name string, engine *buddy.Engine, startPfn page.Pfn, presentPages uint64) *Zone {
	return &Zone{
		Name:         name,
		Engine:       engine,
		ZoneStartPfn: startPfn,
		SpannedPages: presentPages,
		PresentPages: presentPages,
	}
}

// SetWatermarks installs the three thresholds, normally computed from
// min_free_kbytes and zone size by package config.
func (z *Zone) SetWatermarks(min, low, high uint64) {
	z.MinWatermark, z.LowWatermark, z.HighWatermark = min, low, high
}

// SetLowmemReserve installs the per-classzone reserve vector.
func (z *Zone) SetLowmemReserve(v []uint64) {
	z.LowmemReserve = v
}

// FreePages reports the zone's free page count: every page sitting on a
// buddy free list, across every order and mobility class, plus whatever
// package pcp reports cached locally (if wired).
func (z *Zone) FreePages() uint64 {
	var n uint64
	for order := page.Order(0); order <= z.Engine.MaxOrder; order++ {
		n += uint64(z.Engine.Areas.Areas[order].NrFree) << order
	}
	if z.PCP != nil {
		n += z.PCP.TotalCount()
	}
	return n
}

// markFor resolves which watermark a flag combination selects.
func (z *Zone) markFor(flags AllocFlags) uint64 {
	switch {
	case flags&AllocWmarkHigh != 0:
		return z.HighWatermark
	case flags&AllocWmarkLow != 0:
		return z.LowWatermark
	default:
		return z.MinWatermark
	}
}

// WatermarkOK implements zone_watermark_ok: hypothetically
// remove 2^order-1 pages from the free count, apply the classzone's
// lowmem reserve, then walk every order below `order` requiring that at
// least mark/2^o pages' worth of free blocks remain — the per-order
// halving test that catches fragmentation a raw page-count check would
// miss.
func (z *Zone) WatermarkOK(order page.Order, classZoneIdx int, flags AllocFlags) bool {
	if flags&AllocNoWatermarks != 0 {
		return true
	}

	mark := z.markFor(flags)
	if flags&AllocHigh != 0 {
		mark /= 2
	}
	if flags&AllocHarder != 0 {
		mark -= mark / 4
	}

	free := int64(z.FreePages()) - int64(uint64(1)<<order) + 1
	reserve := int64(0)
	if classZoneIdx >= 0 && classZoneIdx < len(z.LowmemReserve) {
		reserve = int64(z.LowmemReserve[classZoneIdx])
	}
	if free <= int64(mark)+reserve {
		return false
	}

	m := int64(mark)
	for o := page.Order(0); o < order; o++ {
		free -= int64(z.Engine.Areas.Areas[o].NrFree) << o
		m >>= 1
		if free <= m {
			return false
		}
	}
	return true
}
