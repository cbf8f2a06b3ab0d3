// Package page defines the per-frame descriptor array that every other
// layer of the allocator indexes into. It generalizes a flat array keyed
// by page-frame-number-minus-start into a descriptor that additionally
// carries the buddy order, mobility tag, and list linkage the buddy
// engine needs.
package page

import (
	"fmt"

	"github.com/oichkatzele/pfalloc/kernerr"
	"github.com/oichkatzele/pfalloc/pageblock"
)

// Pfn is a page frame number: a physical address divided by the page size.
type Pfn uint64

// Order is a buddy order; a block of order k spans 1<<k contiguous frames.
type Order uint8

// Flag is a bitmask of per-page attributes. Most are carried only for
// integrity checks; the allocator itself consults Buddy, Head and Tail.
type Flag uint32

const (
	FlagReserved Flag = 1 << iota // reserved-frame marker; NewTable records boot reservation in State, not this bit
	FlagBuddy                     // page is the head of a free buddy block
	FlagHead                      // head of a compound (multi-page) allocation
	FlagTail                      // tail page of a compound allocation
	FlagLocked                    // pinned for I/O, consulted only for integrity checks
	FlagHWPoison                  // hardware reported this frame as bad
	FlagMlocked                   // caller requested the page not be reclaimed
)

// State is the coarse lifecycle state of a descriptor.
type State uint8

const (
	StateReserved State = iota
	StateFreeBuddy
	StateFreePCP
	StateAllocated
	StateIsolated
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateFreeBuddy:
		return "free-buddy"
	case StateFreePCP:
		return "free-pcp"
	case StateAllocated:
		return "allocated"
	case StateIsolated:
		return "isolated"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// noLink marks an unused next/prev list slot. Frames are addressed by
// Pfn, so 0 cannot double as a sentinel; use the maximum value instead.
const noLink Pfn = ^Pfn(0)

// Descriptor is the per-frame metadata record, wide enough to carry
// buddy-order and mobility bookkeeping instead of only a refcount and a
// free-list next-index.
type Descriptor struct {
	Refcount int32
	Mapcount int32
	Flags    Flag
	State    State

	// Private stores the block order while the page heads a free buddy
	// list entry, and the PCP class index while it sits on a per-CPU
	// list. Once State == StateAllocated it keeps the order on the head
	// page of a compound allocation and is meaningless otherwise.
	Private Order

	// Mobility records which free list this page is threaded onto while
	// it is StateFreeBuddy or StateFreePCP, so Free can locate and
	// detach it without the caller having to remember which class it
	// originally belonged to.
	Mobility pageblock.Mobility

	// HeadPfn is valid only on tail pages of a compound allocation; it
	// points back to the page carrying the real order/refcount.
	HeadPfn Pfn

	next, prev Pfn // list linkage; noLink when not on any list
}

// Table is the dense, PFN-indexed descriptor array for one zone's frames.
// StartPfn lets a zone cover an arbitrary physical address window while
// Table indices stay zero-based.
type Table struct {
	StartPfn Pfn
	Descs    []Descriptor
}

// NewTable allocates a descriptor array for count frames beginning at
// startPfn, with every frame initially Reserved: set at boot, before
// any zone has claimed the memory behind it.
func NewTable(startPfn Pfn, count int) *Table {
	t := &Table{StartPfn: startPfn, Descs: make([]Descriptor, count)}
	for i := range t.Descs {
		t.Descs[i].State = StateReserved
		t.Descs[i].next = noLink
		t.Descs[i].prev = noLink
	}
	return t
}

// Len returns the number of frames in the table.
func (t *Table) Len() int { return len(t.Descs) }

// Index converts a PFN to a table-local index, panicking if it falls
// outside this table's range — an out-of-zone PFN is a programming error
// at every call site in this module, never a runtime possibility to
// recover from.
func (t *Table) Index(pfn Pfn) int {
	idx := int64(pfn) - int64(t.StartPfn)
	if idx < 0 || idx >= int64(len(t.Descs)) {
		panic(fmt.Sprintf("page: pfn %d outside table range [%d,%d)", pfn, t.StartPfn, t.StartPfn+Pfn(len(t.Descs))))
	}
	return int(idx)
}

// Contains reports whether pfn falls within this table's range.
func (t *Table) Contains(pfn Pfn) bool {
	idx := int64(pfn) - int64(t.StartPfn)
	return idx >= 0 && idx < int64(len(t.Descs))
}

// At returns the descriptor for pfn.
func (t *Table) At(pfn Pfn) *Descriptor { return &t.Descs[t.Index(pfn)] }

// Next returns the next-pointer of pfn's descriptor, or ok=false if pfn is
// not linked into a list.
func (t *Table) Next(pfn Pfn) (Pfn, bool) {
	n := t.At(pfn).next
	return n, n != noLink
}

// Prev is the Next counterpart for the previous-pointer.
func (t *Table) Prev(pfn Pfn) (Pfn, bool) {
	p := t.At(pfn).prev
	return p, p != noLink
}

// Unlink clears pfn's list linkage without touching neighboring nodes;
// callers that own a list (package freearea, package pcp) are responsible
// for patching the neighbors first.
func (t *Table) Unlink(pfn Pfn) {
	d := t.At(pfn)
	d.next, d.prev = noLink, noLink
}

// SetLink sets the raw next/prev linkage for pfn. Exported for use by
// package freearea and package pcp, which implement the actual list
// splice/remove algorithms against this shared storage.
func (t *Table) SetLink(pfn Pfn, next, prev Pfn, hasNext, hasPrev bool) {
	d := t.At(pfn)
	if hasNext {
		d.next = next
	} else {
		d.next = noLink
	}
	if hasPrev {
		d.prev = prev
	} else {
		d.prev = noLink
	}
}

// NoLink reports the sentinel used for "no next/previous frame", exported
// so list implementations outside this package can compare against it.
func NoLink() Pfn { return noLink }

// MarkFreeBuddy transitions pfn's descriptor into the Free(buddy) state:
// PG_buddy=1, refcount=0, private=order.
func (t *Table) MarkFreeBuddy(pfn Pfn, order Order, mobility pageblock.Mobility) {
	d := t.At(pfn)
	d.State = StateFreeBuddy
	d.Refcount = 0
	d.Flags |= FlagBuddy
	d.Private = order
	d.Mobility = mobility
}

// MarkAllocated transitions pfn's descriptor to Allocated, validating the
// integrity preconditions before doing so. refcount is the
// initial reference count handed to the caller (normally 1).
func (t *Table) MarkAllocated(pfn Pfn, refcount int32, compound bool, order Order) error {
	d := t.At(pfn)
	if err := t.validateForAlloc(d); err != nil {
		return err
	}
	d.State = StateAllocated
	d.Flags &^= FlagBuddy
	d.Refcount = refcount
	if compound {
		d.Flags |= FlagHead
		d.Private = order
	}
	return nil
}

// MarkTail links a tail page of a compound allocation back to its head.
func (t *Table) MarkTail(pfn, headPfn Pfn) {
	d := t.At(pfn)
	d.State = StateAllocated
	d.Flags |= FlagTail
	d.Flags &^= FlagBuddy
	d.HeadPfn = headPfn
}

// validateForAlloc implements the "integrity fault on alloc preparation"
// checks: nonzero mapcount or forbidden flags on a page about
// to be handed to a caller indicate the free lists are corrupt.
func (t *Table) validateForAlloc(d *Descriptor) error {
	if d.Mapcount != 0 {
		return kernerr.ErrIntegrityFault
	}
	if d.Flags&(FlagHWPoison|FlagLocked) != 0 {
		return kernerr.ErrIntegrityFault
	}
	return nil
}

// ValidateForFree implements the integrity-fault-on-free checks:
// nonzero mapcount, nonzero refcount, or forbidden flag bits.
func (t *Table) ValidateForFree(pfn Pfn) error {
	d := t.At(pfn)
	if d.Mapcount != 0 {
		return kernerr.ErrIntegrityFault
	}
	if d.Refcount != 0 {
		return kernerr.ErrIntegrityFault
	}
	if d.Flags&FlagHWPoison != 0 {
		return kernerr.ErrIntegrityFault
	}
	return nil
}

// Reset clears a descriptor back to a blank, unlinked slate. Used when
// leaking a page that failed an integrity check safely, rather than
// propagating the corruption further.
func (t *Table) Reset(pfn Pfn) {
	d := t.At(pfn)
	*d = Descriptor{next: noLink, prev: noLink}
}
