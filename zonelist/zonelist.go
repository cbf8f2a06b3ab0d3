// Package zonelist implements the ordered zone traversal and NUMA
// fallback walk: a per-node ordered sequence of zone
// references, a "recently full" cache with one-second staleness, cpuset
// masking, dirty-share skipping, and the automatic node-ordered vs
// zone-ordered construction heuristic with a greedy nearest-neighbor
// node-distance walk.
package zonelist

import (
	"sync"
	"time"

	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/zone"
)

// Order selects how a zonelist is built.
type Order int

const (
	// OrderZone: all nodes' HighMem before all nodes' Normal before all
	// DMA32, etc — maximizes protection of low zones, costs locality.
	OrderZone Order = iota
	// OrderNode: all zones of the local node before any remote zones —
	// maximizes locality, risks DMA-zone exhaustion.
	OrderNode
)

// Node groups a node's zones, highest (most capable) index first, plus
// the distances used by the node-ordered construction's nearest-neighbor
// walk.
type Node struct {
	ID        int
	Zones     []*zone.Zone // highest-index zone (e.g. Movable) first
	Distance  map[int]int  // distance to every other node, including itself
	HasCPUs   bool
}

// ReclaimFunc lets the walker invoke the reclaim collaborator for a zone
// that failed its watermark check, without zonelist importing package
// reclaim — reclaim already depends on zone/buddy, and
// the dependency should not run both ways.
type ReclaimFunc func(z *zone.Zone, order int) (reclaimed int)

// List is a constructed, ready-to-walk zonelist for one node.
type List struct {
	order Order
	zones []*zone.Zone

	mu       sync.Mutex
	fullAt   map[*zone.Zone]time.Time
	cacheOn  bool
}

// Build constructs a zonelist for node `from` out of every node, choosing
// between node- and zone-ordering automatically: node-order
// if any node lacks a Normal-equivalent zone or DMA-class zones exceed
// the size heuristic, else zone-order.
func Build(from *Node, all []*Node, noNormalZone bool, dmaHeavy bool) *List {
	order := OrderZone
	if noNormalZone || dmaHeavy {
		order = OrderNode
	}

	var zones []*zone.Zone
	switch order {
	case OrderNode:
		zones = buildNodeOrdered(from, all)
	default:
		zones = buildZoneOrdered(all)
	}

	return &List{order: order, zones: zones, fullAt: make(map[*zone.Zone]time.Time), cacheOn: true}
}

// buildNodeOrdered walks nodes nearest-first via a greedy
// nearest-neighbor distance walk, tie-breaking in favor of nodes with no
// CPUs , placing the local node's zones (highest index first)
// ahead of every other node's.
func buildNodeOrdered(from *Node, all []*Node) []*zone.Zone {
	visited := make(map[int]bool, len(all))
	order := make([]*Node, 0, len(all))

	cur := from
	for len(order) < len(all) {
		order = append(order, cur)
		visited[cur.ID] = true

		var next *Node
		bestDist := -1
		for _, n := range all {
			if visited[n.ID] {
				continue
			}
			d := cur.Distance[n.ID]
			switch {
			case bestDist == -1 || d < bestDist:
				next, bestDist = n, d
			case d == bestDist && !n.HasCPUs && next.HasCPUs:
				// tie-break favoring CPU-less nodes, spreading pressure
				// away from nodes that are themselves allocating.
				next = n
			}
		}
		if next == nil {
			break
		}
		cur = next
	}

	var zones []*zone.Zone
	for _, n := range order {
		zones = append(zones, n.Zones...)
	}
	return zones
}

// buildZoneOrdered interleaves every node's highest zone class before any
// node's next class down (the zone-ordered construction). It
// assumes every node's Zones slice is ordered highest-class first and of
// comparable length; a node with fewer zone classes simply runs out
// early.
func buildZoneOrdered(all []*Node) []*zone.Zone {
	maxLen := 0
	for _, n := range all {
		if len(n.Zones) > maxLen {
			maxLen = len(n.Zones)
		}
	}
	var zones []*zone.Zone
	for class := 0; class < maxLen; class++ {
		for _, n := range all {
			if class < len(n.Zones) {
				zones = append(zones, n.Zones[class])
			}
		}
	}
	return zones
}

// DisableCache turns off the full-zone cache, used after a full scan
// fails so the rescan reconsiders pessimistically-marked-full zones.
func (l *List) DisableCache() {
	l.mu.Lock()
	l.cacheOn = false
	l.mu.Unlock()
}

// EnableCache turns the full-zone cache back on, e.g. after a
// reconsideration pass.
func (l *List) EnableCache() {
	l.mu.Lock()
	l.cacheOn = true
	l.mu.Unlock()
}

func (l *List) markFull(z *zone.Zone) {
	l.mu.Lock()
	l.fullAt[z] = time.Now()
	l.mu.Unlock()
}

func (l *List) isFull(z *zone.Zone) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cacheOn {
		return false
	}
	t, ok := l.fullAt[z]
	if !ok {
		return false
	}
	return time.Since(t) < time.Second
}

// CpusetFunc reports whether a zone's node is permitted by the caller's
// cpuset mask.
type CpusetFunc func(z *zone.Zone) bool

// DirtyFunc reports whether a zone is currently over its dirty share.
type DirtyFunc func(z *zone.Zone) bool

// Walk implements the zone-list walker: skip cached-full
// zones, skip cpuset-excluded zones, skip over-dirty zones, apply the
// watermark test, invoke reclaim on failure and re-check, and mark a
// zone full in the cache on final failure. attempt is called once per
// candidate zone that passes every filter; a non-nil error return from
// attempt is treated as "this zone could not satisfy the request".
func (l *List) Walk(order int, classZoneIdx int, flags zone.AllocFlags, cpuset CpusetFunc, dirty DirtyFunc, reclaim ReclaimFunc, attempt func(z *zone.Zone) (ok bool)) (*zone.Zone, bool) {
	cacheSkips := false
	for _, z := range l.zones {
		if l.isFull(z) {
			cacheSkips = true
			break
		}
	}

	if z, ok := l.walkOnce(order, classZoneIdx, flags, cpuset, dirty, reclaim, attempt); ok {
		return z, true
	}

	// First full scan failed; if the cache was the reason zones were
	// skipped, disable it and rescan once.
	if !cacheSkips {
		return nil, false
	}
	l.DisableCache()
	defer l.EnableCache()
	return l.walkOnce(order, classZoneIdx, flags, cpuset, dirty, reclaim, attempt)
}

func (l *List) walkOnce(order int, classZoneIdx int, flags zone.AllocFlags, cpuset CpusetFunc, dirty DirtyFunc, reclaim ReclaimFunc, attempt func(z *zone.Zone) (ok bool)) (*zone.Zone, bool) {
	for _, z := range l.zones {
		if l.isFull(z) {
			continue
		}
		if cpuset != nil && !cpuset(z) {
			continue
		}
		if dirty != nil && dirty(z) {
			l.markFull(z)
			continue
		}

		if !z.WatermarkOK(toPageOrder(order), classZoneIdx, flags) {
			if reclaim != nil {
				reclaim(z, order)
				if !z.WatermarkOK(toPageOrder(order), classZoneIdx, flags) {
					l.markFull(z)
					continue
				}
			} else {
				l.markFull(z)
				continue
			}
		}

		if attempt(z) {
			return z, true
		}
		l.markFull(z)
	}
	return nil, false
}

// Zones exposes the constructed traversal order, e.g. for the slow path
// to wake background reclaim on every zone in the zonelist.
func (l *List) Zones() []*zone.Zone {
	return l.zones
}

func toPageOrder(order int) page.Order {
	return page.Order(order)
}
