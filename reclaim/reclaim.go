// Package reclaim implements the reclaim collaborator: direct reclaim
// (synchronous, called from the slow path) and background reclaim (a
// periodic "kswapd"-equivalent wakeup). The drain of PCP caches that
// follows a reclaim pass is done by the slow path in package alloc, not
// here.
package reclaim

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/oichkatzele/pfalloc/zone"
)

// Reclaimer frees pages from a zone down to the requested order,
// returning the count actually reclaimed. Implementations are supplied
// by the embedding program; ShrinkNothing is the default stub used so
// the core remains testable without a real page-reclaim/writeback
// subsystem behind it.
type Reclaimer func(z *zone.Zone, order int) (reclaimedPages int)

// ShrinkNothing always reports zero pages reclaimed.
func ShrinkNothing(z *zone.Zone, order int) int { return 0 }

// Policy runs direct and background reclaim over a set of zones.
type Policy struct {
	shrink Reclaimer

	mu  sync.Mutex
	cr  *cron.Cron
}

// New builds a reclaim policy. If shrink is nil, ShrinkNothing is used.
func New(shrink Reclaimer) *Policy {
	if shrink == nil {
		shrink = ShrinkNothing
	}
	return &Policy{shrink: shrink}
}

// TryToFreePages runs direct reclaim across the zones concurrently, one
// goroutine per zone launched in slice order, and stops launching more
// once the total reclaimed so far covers `order`; zones already launched
// run to completion. A goroutine that starts after ctx is cancelled
// returns ctx's error instead of reclaiming.
func (p *Policy) TryToFreePages(ctx context.Context, zones []*zone.Zone, order int) (int, error) {
	need := 1 << uint(order)
	var total int

	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, z := range zones {
		z := z
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n := p.shrink(z, order)
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
		mu.Lock()
		reached := total >= need
		mu.Unlock()
		if reached {
			break
		}
	}
	err := g.Wait()
	return total, err
}

// WakeupBackgroundReclaim asks the background reclaimer to consider one
// zone. The userspace stand-in runs the same Reclaimer on z
// asynchronously in a detached goroutine rather than signaling a kernel
// thread; classZoneIdx is not consulted.
func (p *Policy) WakeupBackgroundReclaim(z *zone.Zone, order int, classZoneIdx int) {
	go p.shrink(z, order)
}

// StartBackgroundSchedule installs a periodic background-reclaim sweep
// over zones using robfig/cron instead of a hand-rolled ticker loop.
// The spec argument is anything cron's default parser accepts: a
// standard 5-field cron expression or a descriptor such as "@every 1s"
// for a tight sweep. Returns a stop function.
func (p *Policy) StartBackgroundSchedule(spec string, zones []*zone.Zone) (stop func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		for _, z := range zones {
			p.shrink(z, 0)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	p.cr = c
	return func() {
		ctx := c.Stop()
		<-ctx.Done()
	}, nil
}
