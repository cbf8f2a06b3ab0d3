package vmstat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oichkatzele/pfalloc/page"
)

func TestCountersObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCounters(reg, "normal", Sources{
		FreePages:     func() uint64 { return 42 },
		MlockPages:    func() uint64 { return 0 },
		IsolatedPages: func() uint64 { return 0 },
	})
	c.ObservePageAlloc(3)
	c.ObservePageFree(1)
	c.ObserveCompaction(true)
	c.ObserveCompaction(false)
	c.ObserveStolenBlocks(2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}

func TestDumpOfDecodesFlags(t *testing.T) {
	d := &page.Descriptor{Refcount: 1, Mapcount: 0, Flags: page.FlagHead | page.FlagLocked, State: page.StateAllocated}
	dump := DumpOf(5, d)
	s := dump.String()
	if s == "" {
		t.Fatalf("expected non-empty dump string")
	}
}

func TestFaultReporterDedupesByCallSite(t *testing.T) {
	r := NewFaultReporter()
	var reports int
	r.Report = func(Dump, string) { reports++ }

	report := func() bool {
		d := DumpOf(0, &page.Descriptor{})
		return r.ReportOnce(d)
	}

	var results []bool
	for i := 0; i < 2; i++ {
		results = append(results, report())
	}
	first, second := results[0], results[1]
	if !first {
		t.Fatalf("first report from a new call site should succeed")
	}
	if second {
		t.Fatalf("second report from the same call site should be suppressed")
	}
	if reports != 1 {
		t.Fatalf("Report invoked %d times, want 1", reports)
	}
}

func TestFaultReporterDisabled(t *testing.T) {
	r := NewFaultReporter()
	r.Enabled = false
	if r.ReportOnce(DumpOf(0, &page.Descriptor{})) {
		t.Fatalf("disabled reporter should never report")
	}
}
