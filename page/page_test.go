package page

import (
	"testing"

	"github.com/oichkatzele/pfalloc/pageblock"
)

func TestNewTableStartsReserved(t *testing.T) {
	tbl := NewTable(100, 16)
	for i, d := range tbl.Descs {
		if d.State != StateReserved {
			t.Fatalf("frame %d: state = %v, want reserved", i, d.State)
		}
	}
}

func TestIndexAndContains(t *testing.T) {
	tbl := NewTable(100, 16)
	if !tbl.Contains(100) || !tbl.Contains(115) {
		t.Fatalf("range endpoints should be contained")
	}
	if tbl.Contains(116) || tbl.Contains(99) {
		t.Fatalf("out-of-range pfns should not be contained")
	}
	if tbl.Index(107) != 7 {
		t.Fatalf("Index(107) = %d, want 7", tbl.Index(107))
	}
}

func TestIndexOutOfRangePanics(t *testing.T) {
	tbl := NewTable(100, 16)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for out-of-range pfn")
		}
	}()
	tbl.Index(200)
}

func TestMarkFreeBuddyInvariant(t *testing.T) {
	tbl := NewTable(0, 16)
	tbl.MarkFreeBuddy(4, 2, pageblock.Movable)
	d := tbl.At(4)
	if d.State != StateFreeBuddy || d.Flags&FlagBuddy == 0 || d.Private != 2 || d.Refcount != 0 || d.Mobility != pageblock.Movable {
		t.Fatalf("descriptor after MarkFreeBuddy violates spec invariant 1: %+v", d)
	}
}

func TestMarkAllocatedRejectsMappedPage(t *testing.T) {
	tbl := NewTable(0, 16)
	tbl.At(0).Mapcount = 1
	if err := tbl.MarkAllocated(0, 1, false, 0); err == nil {
		t.Fatalf("expected integrity fault allocating a mapped page")
	}
}

func TestValidateForFreeCatchesLiveRefcount(t *testing.T) {
	tbl := NewTable(0, 16)
	tbl.At(0).Refcount = 1
	if err := tbl.ValidateForFree(0); err == nil {
		t.Fatalf("expected integrity fault freeing a page with refcount > 0")
	}
}

func TestResetClearsLinkage(t *testing.T) {
	tbl := NewTable(0, 16)
	tbl.SetLink(3, 5, 1, true, true)
	tbl.Reset(3)
	if _, ok := tbl.Next(3); ok {
		t.Fatalf("Reset should clear next linkage")
	}
	if _, ok := tbl.Prev(3); ok {
		t.Fatalf("Reset should clear prev linkage")
	}
}
