// Package compact implements the direct-compaction collaborator: an
// attempt to relocate movable pages to free up a contiguous block of
// the requested order before falling back to reclaim. The package ships
// with Skip, a policy that always reports no progress, keeping the
// allocator core testable without a real migration engine behind it.
package compact

import "github.com/oichkatzele/pfalloc/pageblock"

// Result reports what a compaction attempt accomplished.
type Result struct {
	// Progress is true if compaction moved pages, even if it did not
	// ultimately free a block of the requested order.
	Progress bool
	// Order is the largest order now available for the given mobility
	// as a direct consequence of this compaction pass, or -1 if none.
	Order int
}

// Skipped is the zero Result meaning compaction declined to run:
// try_to_compact_pages returns either progress or skipped.
var Skipped = Result{Progress: false, Order: -1}

// Compactor attempts to produce a free block of at least `order` for
// `mobility` in one zone. Implementations are supplied by the embedding
// program.
type Compactor func(order int, mobility pageblock.Mobility) Result

// Skip is the default Compactor: a userspace buddy allocator without a
// migration engine behind it cannot actually relocate pages, so it
// always reports Skipped rather than silently pretending to succeed.
func Skip(order int, mobility pageblock.Mobility) Result {
	return Skipped
}
