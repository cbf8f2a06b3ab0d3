// Package config implements the Tunables surface:
// min_free_kbytes (drives watermarks), lowmem_reserve_ratio[],
// percpu_pagelist_fraction, zonelist-order policy, and kernelcore/
// movablecore sizing. Values load from a YAML topology/tunables file
// (gopkg.in/yaml.v3); cmd/pfallocctl takes that file's path as a flag,
// not the individual tunables.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oichkatzele/pfalloc/zonelist"
)

// ZonelistOrderPolicy selects how a node's zonelist is built (:
// "zonelist-order policy (default|node|zone)").
type ZonelistOrderPolicy string

const (
	ZonelistOrderDefault ZonelistOrderPolicy = "default"
	ZonelistOrderNode    ZonelistOrderPolicy = "node"
	ZonelistOrderZone    ZonelistOrderPolicy = "zone"
)

// Tunables is the full set of operator-adjustable knobs, loadable from
// YAML.
type Tunables struct {
	// MinFreeKbytes drives the derivation of each zone's min/low/high
	// watermarks.
	MinFreeKbytes uint64 `yaml:"min_free_kbytes"`

	// LowmemReserveRatio[i] is the reciprocal used to size
	// LowmemReserve[i] for each zone pair,
	LowmemReserveRatio []uint64 `yaml:"lowmem_reserve_ratio"`

	// PercpuPagelistFraction, if nonzero, overrides each PCP's
	// derived `high` watermark directly: high = present_pages / this.
	// Zero means "use the 6*batch default" (see DESIGN.md).
	PercpuPagelistFraction uint64 `yaml:"percpu_pagelist_fraction"`

	// ZonelistOrder selects node- vs zone-ordered zonelist
	// construction, or "default" to use the automatic heuristic.
	ZonelistOrder ZonelistOrderPolicy `yaml:"zonelist_order"`

	// KernelcoreKbytes and MovablecoreKbytes size the non-movable core
	// and the Movable zone. They are loaded and defaulted here; nothing in
	// this module reads them, so no Movable-zone boundary is derived.
	KernelcoreKbytes  uint64 `yaml:"kernelcore_kbytes"`
	MovablecoreKbytes uint64 `yaml:"movablecore_kbytes"`
}

// Default returns the conservative defaults used when no tunables file
// is supplied.
func Default() Tunables {
	return Tunables{
		MinFreeKbytes:          4096,
		LowmemReserveRatio:     []uint64{256, 32, 0},
		PercpuPagelistFraction: 0,
		ZonelistOrder:          ZonelistOrderDefault,
		KernelcoreKbytes:       0,
		MovablecoreKbytes:      0,
	}
}

// Load reads a YAML tunables file, starting from Default() so an
// incomplete file still yields sane values for anything it omits.
func Load(path string) (Tunables, error) {
	t := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, err
	}
	return t, nil
}

// ResolveZonelistOrder applies the automatic-default heuristic
// when the policy is "default", else honors the operator's explicit
// choice.
func (t Tunables) ResolveZonelistOrder(noNormalZone, dmaHeavy bool) zonelist.Order {
	switch t.ZonelistOrder {
	case ZonelistOrderNode:
		return zonelist.OrderNode
	case ZonelistOrderZone:
		return zonelist.OrderZone
	default:
		if noNormalZone || dmaHeavy {
			return zonelist.OrderNode
		}
		return zonelist.OrderZone
	}
}

// Watermarks derives a zone's min/low/high thresholds from
// MinFreeKbytes and the zone's own size: min is capped at the zone's
// present pages and is at least 1, low = min + min/4, high = min + min/2.
func (t Tunables) Watermarks(pageSizeBytes, zonePresentPages uint64) (min, low, high uint64) {
	minPages := (t.MinFreeKbytes * 1024) / pageSizeBytes
	if minPages > zonePresentPages {
		minPages = zonePresentPages
	}
	if minPages == 0 {
		minPages = 1
	}
	min = minPages
	low = min + min/4
	high = min + min/2
	return
}

// LowmemReserve derives a zone's lowmem-reserve vector against every
// classzone index 0..numZones-1, using present_pages/ratio[i] the way
// the original source's setup_per_zone_lowmem_reserve does.
func (t Tunables) LowmemReserve(zonePresentPages uint64, numZones int) []uint64 {
	out := make([]uint64, numZones)
	for i := 0; i < numZones && i < len(t.LowmemReserveRatio); i++ {
		if t.LowmemReserveRatio[i] == 0 {
			out[i] = 0
			continue
		}
		out[i] = zonePresentPages / t.LowmemReserveRatio[i]
	}
	return out
}
