// Package freearea implements the per-zone free-area table: a
// [MaxOrder+1]Area array, each holding one doubly-linked free list per
// mobility class plus a running block count. List membership is stored
// in the shared page.Table linkage fields so no separate node allocation
// is needed, keyed by order and mobility on top of a plain next-index
// chain.
package freearea

import (
	"github.com/oichkatzele/pfalloc/page"
	"github.com/oichkatzele/pfalloc/pageblock"
)

// MaxOrder bounds the buddy order space: valid orders are [0, MaxOrder].
const MaxOrder = 10

// list is a doubly linked free list of block-head PFNs, threaded through
// the shared descriptor table.
type list struct {
	head, tail page.Pfn
	len        uint32
}

func (l *list) empty() bool { return l.len == 0 }

// Area holds the free lists for one order, segregated by mobility class.
type Area struct {
	lists  [int(pageblock.Isolate) + 1]list
	NrFree uint32 // total blocks at this order, across all mobility classes
}

// Table is the complete free-area structure for one zone.
type Table struct {
	Areas [MaxOrder + 1]Area
	pages *page.Table
}

// NewTable creates an empty free-area table backed by pages.
func NewTable(pages *page.Table) *Table {
	return &Table{pages: pages}
}

// Empty reports whether the free list at (order, mobility) has no blocks.
func (t *Table) Empty(order page.Order, mobility pageblock.Mobility) bool {
	return t.Areas[order].lists[mobility].empty()
}

// Len reports the number of blocks on the free list at (order, mobility).
func (t *Table) Len(order page.Order, mobility pageblock.Mobility) uint32 {
	return t.Areas[order].lists[mobility].len
}

// Head returns the block currently at the front of the free list, valid
// only when Empty reports false.
func (t *Table) Head(order page.Order, mobility pageblock.Mobility) page.Pfn {
	return t.Areas[order].lists[mobility].head
}

// InsertHead adds pfn to the front of the free list at (order, mobility).
// Used when the block is unlikely to coalesce further soon (this
// step 3: "otherwise insert at the head").
func (t *Table) InsertHead(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) {
	l := &t.Areas[order].lists[mobility]
	if l.empty() {
		l.head, l.tail = pfn, pfn
		t.pages.SetLink(pfn, page.NoLink(), page.NoLink(), false, false)
	} else {
		oldHead := l.head
		oldHeadNext, hasOldHeadNext := t.pages.Next(oldHead)
		t.pages.SetLink(oldHead, oldHeadNext, pfn, hasOldHeadNext, true)
		t.pages.SetLink(pfn, oldHead, page.NoLink(), true, false)
		l.head = pfn
	}
	l.len++
	t.Areas[order].NrFree++
	t.pages.MarkFreeBuddy(pfn, order, mobility)
}

// InsertTail adds pfn to the back of the free list at (order, mobility).
// Used when the merged block could itself still coalesce with its next
// buddy: insert at the tail to keep it cold.
func (t *Table) InsertTail(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) {
	l := &t.Areas[order].lists[mobility]
	if l.empty() {
		l.head, l.tail = pfn, pfn
		t.pages.SetLink(pfn, page.NoLink(), page.NoLink(), false, false)
	} else {
		oldTail := l.tail
		oldTailPrev, hasOldTailPrev := t.pages.Prev(oldTail)
		t.pages.SetLink(oldTail, pfn, oldTailPrev, true, hasOldTailPrev)
		t.pages.SetLink(pfn, page.NoLink(), oldTail, false, true)
		l.tail = pfn
	}
	l.len++
	t.Areas[order].NrFree++
	t.pages.MarkFreeBuddy(pfn, order, mobility)
}

// RemoveHead detaches and returns the block at the front of the free list
// at (order, mobility). Callers must check Empty first.
func (t *Table) RemoveHead(order page.Order, mobility pageblock.Mobility) page.Pfn {
	pfn := t.Areas[order].lists[mobility].head
	t.remove(pfn, order, mobility)
	return pfn
}

// RemoveTail is the cold-allocation counterpart to RemoveHead (PCP refill
// wants physically-ordered blocks, so it may prefer either end).
func (t *Table) RemoveTail(order page.Order, mobility pageblock.Mobility) page.Pfn {
	pfn := t.Areas[order].lists[mobility].tail
	t.remove(pfn, order, mobility)
	return pfn
}

// Remove detaches an arbitrary block from its free list, used by the
// buddy engine when it finds a specific buddy to coalesce with rather
// than always popping the head.
func (t *Table) Remove(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) {
	t.remove(pfn, order, mobility)
}

func (t *Table) remove(pfn page.Pfn, order page.Order, mobility pageblock.Mobility) {
	l := &t.Areas[order].lists[mobility]
	next, hasNext := t.pages.Next(pfn)
	prev, hasPrev := t.pages.Prev(pfn)

	if hasPrev {
		prevPrev, hasPrevPrev := t.pages.Prev(prev)
		t.pages.SetLink(prev, next, prevPrev, hasNext, hasPrevPrev)
	} else {
		l.head = next
	}
	if hasNext {
		nextNext, hasNextNext := t.pages.Next(next)
		t.pages.SetLink(next, nextNext, prev, hasNextNext, hasPrev)
	} else {
		l.tail = prev
	}
	t.pages.Unlink(pfn)
	l.len--
	t.Areas[order].NrFree--
}
