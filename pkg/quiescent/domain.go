// Package quiescent implements epoch-based deferral of reclamation for
// lookup structures that are read without locks: the block hash table and
// the peer table both look a value up, pin a reference against concurrent
// teardown, and only release the underlying resource once every reader that
// might still be observing the old state has quiesced.
//
// This is a simplified stand-in for the source's RCU-style reclamation
// (shared/lk/rcupdate.c, shared/urcu.h). Go's garbage collector already
// makes raw memory reuse safe, so the only property this package needs to
// preserve is ordering: a retired callback runs only after every Guard that
// was pinned at retire time has been released. It does not attempt to be a
// general-purpose lock-free allocator.
package quiescent

import "sync"

// Domain owns one independent epoch and its own set of pinned readers.
// The block cache and the peer table each use their own Domain so that a
// long-pinned reader in one does not stall reclamation in the other.
type Domain struct {
	mu      sync.Mutex
	epoch   uint64
	pinned  map[*Guard]uint64
	garbage map[uint64][]func()
}

// NewDomain returns a ready-to-use reclamation domain.
func NewDomain() *Domain {
	return &Domain{
		pinned:  make(map[*Guard]uint64),
		garbage: make(map[uint64][]func()),
	}
}

// Guard represents one reader's pin against reclamation. Callers must call
// Unpin when they are done observing values read during the pin.
type Guard struct {
	domain *Domain
	epoch  uint64
}

// Pin opens a read epoch. Any value looked up while pinned is guaranteed
// not to be reclaimed (its Defer callback run) until Unpin is called.
func (d *Domain) Pin() *Guard {
	d.mu.Lock()
	g := &Guard{domain: d, epoch: d.epoch}
	d.pinned[g] = g.epoch
	d.mu.Unlock()
	return g
}

// Unpin closes the read epoch opened by Pin.
func (g *Guard) Unpin() {
	d := g.domain
	d.mu.Lock()
	delete(d.pinned, g)
	d.mu.Unlock()
	d.tryReclaim()
}

// Defer schedules fn to run once every reader pinned at the current epoch
// has unpinned. Used by table deletion to release a removed entry only
// after a full quiescence epoch has elapsed, so a concurrent reader that
// looked the entry up just before deletion never sees it freed out from
// under it.
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	e := d.epoch
	d.garbage[e] = append(d.garbage[e], fn)
	d.epoch++
	d.mu.Unlock()
	d.tryReclaim()
}

// tryReclaim runs any garbage whose epoch has no pinned readers left.
func (d *Domain) tryReclaim() {
	d.mu.Lock()
	if len(d.pinned) > 0 {
		min := d.epoch
		for _, e := range d.pinned {
			if e < min {
				min = e
			}
		}
		var ready []func()
		for e, fns := range d.garbage {
			if e < min {
				ready = append(ready, fns...)
				delete(d.garbage, e)
			}
		}
		d.mu.Unlock()
		for _, fn := range ready {
			fn()
		}
		return
	}

	var ready []func()
	for e, fns := range d.garbage {
		ready = append(ready, fns...)
		delete(d.garbage, e)
	}
	d.mu.Unlock()
	for _, fn := range ready {
		fn()
	}
}
