// Package vmstat implements the observability surface: per-zone vm
// counters (NR_FREE_PAGES, NR_MLOCK, NR_ISOLATED_*) and vm events
// (PGALLOC, PGFREE, COMPACTSUCCESS, COMPACTFAIL) exported as Prometheus
// collectors, plus the rate-limited integrity-fault reporter and
// dump_page diagnostic.
package vmstat

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oichkatzele/pfalloc/page"
)

// Counters is a Prometheus collector exposing one zone's vm counters
// (free/mlocked/isolated page gauges) and vm-event totals (alloc/free,
// compaction outcomes, page-block steals); the zone's name becomes the
// `zone` label on every metric it registers.
type Counters struct {
	zone string

	freePages     prometheus.GaugeFunc
	mlockPages    prometheus.GaugeFunc
	isolatedPages prometheus.GaugeFunc
	tainted       prometheus.GaugeFunc

	pgAlloc       prometheus.Counter
	pgFree        prometheus.Counter
	compactOK     prometheus.Counter
	compactFail   prometheus.Counter
	stolenBlocks  prometheus.Counter
}

// Sources supplies the live values Counters reads on every scrape;
// implemented by whatever owns the zone (normally a thin adapter over
// zone.Zone / pageblock.Map). Tainted is optional; a nil func reports
// untainted always.
type Sources struct {
	FreePages     func() uint64
	MlockPages    func() uint64
	IsolatedPages func() uint64
	Tainted       func() bool
}

// NewCounters builds the collector for one zone and registers its
// gauge/counter family with reg.
func NewCounters(reg prometheus.Registerer, zoneName string, src Sources) *Counters {
	c := &Counters{zone: zoneName}

	mk := func(name, help string, fn func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "pfalloc",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"zone": zoneName},
		}, fn)
	}

	c.freePages = mk("nr_free_pages", "Free pages currently on this zone's buddy lists and PCP caches.", func() float64 { return float64(src.FreePages()) })
	c.mlockPages = mk("nr_mlock", "Pages in this zone marked non-reclaimable by the caller.", func() float64 { return float64(src.MlockPages()) })
	c.isolatedPages = mk("nr_isolated", "Pages in this zone currently isolated for migration.", func() float64 { return float64(src.IsolatedPages()) })
	c.tainted = mk("tainted", "1 if an integrity fault has ever been reported for this zone, else 0.", func() float64 {
		if src.Tainted != nil && src.Tainted() {
			return 1
		}
		return 0
	})

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pfalloc",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"zone": zoneName},
		})
	}
	c.pgAlloc = counter("pgalloc_total", "Pages allocated from this zone.")
	c.pgFree = counter("pgfree_total", "Pages freed to this zone.")
	c.compactOK = counter("compact_success_total", "Direct compaction attempts that produced a usable block.")
	c.compactFail = counter("compact_fail_total", "Direct compaction attempts that made no usable progress.")
	c.stolenBlocks = counter("pageblock_stolen_total", "Page-blocks re-tagged to a different mobility class by the fallback allocator.")

	reg.MustRegister(c.freePages, c.mlockPages, c.isolatedPages, c.tainted, c.pgAlloc, c.pgFree, c.compactOK, c.compactFail, c.stolenBlocks)
	return c
}

// ObservePageAlloc records an allocation of n pages.
func (c *Counters) ObservePageAlloc(n uint64) { c.pgAlloc.Add(float64(n)) }

// ObservePageFree records a free of n pages.
func (c *Counters) ObservePageFree(n uint64) { c.pgFree.Add(float64(n)) }

// ObserveCompaction records the outcome of one direct-compaction attempt.
func (c *Counters) ObserveCompaction(progress bool) {
	if progress {
		c.compactOK.Inc()
	} else {
		c.compactFail.Inc()
	}
}

// ObserveStolenBlocks adds n to the page-block steal counter.
func (c *Counters) ObserveStolenBlocks(n uint64) { c.stolenBlocks.Add(float64(n)) }

// Dump is a dump_page(p)-style diagnostic: the flag word decoded,
// refcount, mapcount and index (here, the PFN), tagged with a
// correlation ID so repeated rate-limited reports can be tied together
// across log lines. Fields are filled in one at a time by the Wxxx
// setters below.
type Dump struct {
	ID       uuid.UUID
	pfn      page.Pfn
	flags    page.Flag
	refcount int32
	mapcount int32
	state    page.State
}

// Wpfn records the page's frame number.
func (d *Dump) Wpfn(v page.Pfn) { d.pfn = v }

// Wflags records the raw flag word.
func (d *Dump) Wflags(v page.Flag) { d.flags = v }

// Wrefcount records the reference count observed at dump time.
func (d *Dump) Wrefcount(v int32) { d.refcount = v }

// Wmapcount records the map count observed at dump time.
func (d *Dump) Wmapcount(v int32) { d.mapcount = v }

// Wstate records the lifecycle state observed at dump time.
func (d *Dump) Wstate(v page.State) { d.state = v }

// String renders the dump in the flag-word-decoded form this asks for.
func (d Dump) String() string {
	return fmt.Sprintf("page pfn=%d state=%s refcount=%d mapcount=%d flags=%s id=%s",
		d.pfn, d.state, d.refcount, d.mapcount, decodeFlags(d.flags), d.ID)
}

func decodeFlags(f page.Flag) string {
	names := []struct {
		bit  page.Flag
		name string
	}{
		{page.FlagReserved, "reserved"},
		{page.FlagBuddy, "buddy"},
		{page.FlagHead, "head"},
		{page.FlagTail, "tail"},
		{page.FlagLocked, "locked"},
		{page.FlagHWPoison, "hwpoison"},
		{page.FlagMlocked, "mlocked"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// DumpOf builds a tagged Dump from a live descriptor.
func DumpOf(pfn page.Pfn, d *page.Descriptor) Dump {
	out := Dump{ID: uuid.New()}
	out.Wpfn(pfn)
	out.Wflags(d.Flags)
	out.Wrefcount(d.Refcount)
	out.Wmapcount(d.Mapcount)
	out.Wstate(d.State)
	return out
}

// FaultReporter rate-limits integrity-fault reports by call site:
// call chains are hashed from their program-counter slice and only the
// first occurrence of a given chain is reported, with a structured Dump
// and a uuid.UUID tag so repeated suppressed occurrences of the same
// fault can still be correlated in logs.
type FaultReporter struct {
	mu      sync.Mutex
	seen    map[uintptr]bool
	Enabled bool

	// Report is invoked at most once per distinct call site while
	// Enabled; defaults to a no-op so tests can run silent.
	Report func(Dump, string)

	taint int32 // atomic; nonzero once Taint has fired
}

// NewFaultReporter builds a reporter with reporting enabled and a
// default no-op Report function left for the caller to set: the core
// never logs in the hot path itself, only the rate-limited fault/OOM
// paths do.
func NewFaultReporter() *FaultReporter {
	return &FaultReporter{Enabled: true, seen: make(map[uintptr]bool), Report: func(Dump, string) {}}
}

func pcHash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// ReportOnce reports dmp via Report the first time it is called from a
// given call chain; subsequent calls from the same chain are silently
// dropped. Returns whether this call actually reported.
func (r *FaultReporter) ReportOnce(dmp Dump) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled {
		return false
	}

	pcs := make([]uintptr, 30)
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return false
	}
	pcs = pcs[:n]
	h := pcHash(pcs)
	if r.seen[h] {
		return false
	}
	r.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	trace := ""
	for {
		fr, more := frames.Next()
		if trace == "" {
			trace = fmt.Sprintf("%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		} else {
			trace += fmt.Sprintf("\t%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	r.Report(dmp, trace)
	return true
}

// Len reports how many distinct call sites have been reported so far.
func (r *FaultReporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Taint marks the system as tainted: an integrity fault was observed at
// least once, independent of whether ReportOnce's rate limiting actually
// emitted a log line for this particular occurrence.
func (r *FaultReporter) Taint() {
	atomic.StoreInt32(&r.taint, 1)
}

// Tainted reports whether Taint has ever been called on r.
func (r *FaultReporter) Tainted() bool {
	return atomic.LoadInt32(&r.taint) != 0
}
