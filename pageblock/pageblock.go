// Package pageblock implements the mobility tag bitmap and the
// largest-block-first fallback/steal policy. A page-block is a
// fixed-size, pageblock-order-aligned region; every block carries
// exactly one Mobility tag in a side array, independent of the per-page
// descriptors in package page.
package pageblock

import "github.com/oichkatzele/pfalloc/quota"

// Mobility classifies the expected lifetime of allocations placed in a
// page-block.
type Mobility uint8

const (
	Unmovable Mobility = iota
	Reclaimable
	Movable
	Reserve
	Isolate

	numMobility = int(Isolate) + 1
)

func (m Mobility) String() string {
	switch m {
	case Unmovable:
		return "unmovable"
	case Reclaimable:
		return "reclaimable"
	case Movable:
		return "movable"
	case Reserve:
		return "reserve"
	case Isolate:
		return "isolate"
	default:
		return "unknown"
	}
}

// fallbackOrder is the fixed fallback table Reserve never
// actually falls back to anything else.
var fallbackOrder = map[Mobility][]Mobility{
	Unmovable:   {Reclaimable, Movable, Reserve},
	Reclaimable: {Unmovable, Movable, Reserve},
	Movable:     {Reclaimable, Unmovable, Reserve},
	Reserve:     {},
}

// FallbackOrder returns the ordered fallback sequence for a requested
// mobility class, excluding the class itself.
func FallbackOrder(requested Mobility) []Mobility {
	return fallbackOrder[requested]
}

// Map is the side bitmap of page-block mobility tags for one zone, plus
// migrate-reserve accounting. PageBlockOrder is the log2 block size; a
// zone spanning N pages has N>>PageBlockOrder blocks (rounded up).
type Map struct {
	PageBlockOrder uint
	tags           []Mobility

	reserveQuota int           // max page-blocks tagged Reserve in this zone, typically <=2
	reserve      *quota.Counter // remaining Reserve-tag budget; reserveQuota-reserve.Remaining() is the live count
}

// NewMap creates a mobility map covering blockCount page-blocks, all
// initially tagged Movable (new memory defaults to the most flexible
// class; the boot sequence retags specific blocks Unmovable/Reserve as
// kernel structures land in them).
func NewMap(pageBlockOrder uint, blockCount int, reserveQuota int) *Map {
	m := &Map{
		PageBlockOrder: pageBlockOrder,
		tags:           make([]Mobility, blockCount),
		reserveQuota:   reserveQuota,
		reserve:        quota.NewCounter(int64(reserveQuota)),
	}
	for i := range m.tags {
		m.tags[i] = Movable
	}
	return m
}

// BlockOf returns the page-block index containing pfn.
func (m *Map) BlockOf(pfn uint64) int {
	return int(pfn >> m.PageBlockOrder)
}

// BlockCount reports the number of page-blocks in the map.
func (m *Map) BlockCount() int { return len(m.tags) }

// MobilityOf returns the mobility tag of the block containing pfn.
func (m *Map) MobilityOf(pfn uint64) Mobility {
	return m.tags[m.BlockOf(pfn)]
}

// SetMobility retags a single block by index.
func (m *Map) SetMobility(block int, mob Mobility) {
	old := m.tags[block]
	if old == Reserve && mob != Reserve {
		m.reserve.Give(1)
	}
	if old != Reserve && mob == Reserve {
		m.reserve.Take(1)
	}
	m.tags[block] = mob
}

// BlockPfnRange returns the [start, end) pfn range of a page-block.
func (m *Map) BlockPfnRange(block int) (start, end uint64) {
	size := uint64(1) << m.PageBlockOrder
	start = uint64(block) * size
	end = start + size
	return
}

// ShouldRetagWholeBlock implements the stealing threshold:
// re-tag the whole page-block when the steal happened at order >=
// pageblockOrder/2, when the requester is Reclaimable, when mobility
// grouping is disabled, or (unconditionally) when movedFraction > 1/2.
func (m *Map) ShouldRetagWholeBlock(stolenOrder uint, requester Mobility, groupingDisabled bool, movedPages, blockPages uint64) bool {
	if groupingDisabled {
		return true
	}
	if requester == Reclaimable {
		return true
	}
	if uint(stolenOrder) >= m.PageBlockOrder/2 {
		return true
	}
	return movedPages*2 > blockPages
}

// ReserveSetup walks the mobility map retagging Movable blocks as Reserve
// until the quota is met, or returning excess Reserve blocks to Movable
// when the map already exceeds quota (this "migrate-reserve"). It
// returns the number of blocks it retagged.
func (m *Map) ReserveSetup() int {
	// Re-derive the remaining budget from the live Reserve tags so that a
	// quota changed since the counter was built is measured correctly.
	live := 0
	for _, t := range m.tags {
		if t == Reserve {
			live++
		}
	}
	m.reserve.Set(int64(m.reserveQuota - live))

	changed := 0
	if m.ReserveCount() < m.reserveQuota {
		for i := range m.tags {
			if m.ReserveCount() >= m.reserveQuota {
				break
			}
			if m.tags[i] == Movable {
				m.SetMobility(i, Reserve)
				changed++
			}
		}
	} else if m.ReserveCount() > m.reserveQuota {
		for i := range m.tags {
			if m.ReserveCount() <= m.reserveQuota {
				break
			}
			if m.tags[i] == Reserve {
				m.SetMobility(i, Movable)
				changed++
			}
		}
	}
	return changed
}

// ReserveCount reports how many blocks currently carry the Reserve tag.
func (m *Map) ReserveCount() int { return m.reserveQuota - int(m.reserve.Remaining()) }
