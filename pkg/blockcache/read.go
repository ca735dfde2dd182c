package blockcache

import (
	"context"
	"time"

	"github.com/ngnfs/corefs/pkg/pagepool"
)

// Ref is a pinned reference to a cached block, returned by Acquire. The
// buffer behind Buffer() is valid for exactly the lifetime of the Ref.
type Ref struct {
	c      *Cache
	b      *block
	intent Intent
}

// BNR returns the block number this reference pins.
func (r *Ref) BNR() BlockNumber { return r.b.bnr }

// Buffer returns a view of the block's buffer, valid for the duration of
// the reference.
func (r *Ref) Buffer() []byte { return r.b.currentPage().Bytes() }

// Acquire returns a reference to a block whose buffer is ready-to-read, or
// fails with ErrInvalid, ErrClosed, ctx's error, or the block's stored
// *IOError. It never returns ErrNoMemory: page allocation does not fail.
func (c *Cache) Acquire(ctx context.Context, bnr BlockNumber, intent Intent) (*Ref, error) {
	start := time.Now()
	if !intent.valid() {
		return nil, ErrInvalid
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	b, err := c.acquireBlock(bnr)
	if err != nil {
		return nil, err
	}

	hit := b.hasState(blockUptodate)

	if intent&IntentNew != 0 {
		b.currentPage().Zero()
		b.forceUptodate()
	}

	if !b.hasState(blockUptodate) {
		if err := c.readThrough(ctx, b); err != nil {
			c.evict(b)
			return nil, err
		}
	}

	if b.hasState(blockError) {
		err := b.storedErr()
		c.evict(b)
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.ObserveAcquire(hit, time.Since(start))
	}
	return &Ref{c: c, b: b, intent: intent}, nil
}

// acquireBlock implements steps 1-2 of the algorithm: hash lookup, or
// allocate-and-insert with the loser dropping its own allocation.
func (c *Cache) acquireBlock(bnr BlockNumber) (*block, error) {
	g := c.domain.Pin()
	if v, ok := c.table.Load(bnr); ok {
		b := v.(*block)
		if b.tryRetain() {
			g.Unpin()
			return b, nil
		}
		// Block found dead (racing release); fall through to insert path.
	}
	g.Unpin()

	page := c.pages.Get()
	candidate := newBlock(bnr, page)

	actual, loaded := c.table.LoadOrStore(bnr, candidate)
	b := actual.(*block)
	if loaded {
		page.Release()
		for !b.tryRetain() {
			// Extremely rare: won the LoadOrStore race against a block that
			// is concurrently being torn down. Retry the whole insert.
			g2 := c.domain.Pin()
			c.table.CompareAndDelete(bnr, b)
			g2.Unpin()
			return c.acquireBlock(bnr)
		}
	}
	return b, nil
}

func (b *block) forceUptodate() {
	for {
		old := b.state.Load()
		next := (old | blockUptodate) &^ blockError
		if b.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// readThrough implements steps 4-5: the winner of the READING race submits
// a read; every caller waits for READING to clear.
func (c *Cache) readThrough(ctx context.Context, b *block) error {
	if b.testAndSetReading() {
		b.retain() // extra pin for the in-flight I/O, dropped in endIO
		c.enqueueSubmit(b)
	}

	for b.hasState(blockReading) {
		tok := b.notify.token()
		if !b.hasState(blockReading) {
			break
		}
		select {
		case <-tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release drops the reference.
func (c *Cache) Release(r *Ref) {
	if r.b.release() {
		c.evictLocked(r.b)
	}
}

// evict drops the acquirer's own pin and, if that was the last one, removes
// b from the table. Used on every Acquire failure path so a block that
// never became usable (a persistent I/O error, a canceled read) does not
// linger as a zombie table entry until the next acquirer happens to clean
// it up.
func (c *Cache) evict(b *block) {
	if b.release() {
		c.evictLocked(b)
	}
}

func (c *Cache) evictLocked(b *block) {
	g := c.domain.Pin()
	c.table.CompareAndDelete(b.bnr, b)
	g.Unpin()

	c.domain.Defer(func() {
		if p := b.swapPage(nil); p != nil {
			p.Release()
		}
	})
}

// installFreshPage swaps in a transport-delivered buffer, releasing the old
// one.
func (b *block) installFreshPage(fresh *pagepool.Page) {
	old := b.swapPage(fresh)
	if old != nil {
		old.Release()
	}
}
