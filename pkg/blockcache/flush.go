package blockcache

import (
	"context"
	"time"

	"github.com/ngnfs/corefs/pkg/pagepool"
)

// enqueueSubmit places b on the submission queue and wakes the submission
// worker. A plain mutex-guarded FIFO slice preserves enqueue order directly,
// without the lock-free-stack-plus-reversal trick a single-consumer queue
// would otherwise need.
func (c *Cache) enqueueSubmit(b *block) {
	c.submitMu.Lock()
	c.submitQ = append(c.submitQ, b)
	c.submitCond.Signal()
	c.submitMu.Unlock()
}

// submitWorker drains the submit queue and hands blocks to the transport
// while nr_submitted < queue_depth.
func (c *Cache) submitWorker() {
	defer c.wg.Done()
	ctx := context.Background()
	depth := int64(c.QueueDepth())

	for {
		c.submitMu.Lock()
		for (len(c.submitQ) == 0 || c.nrSubmitted.Load() >= depth) && !c.closed.Load() {
			c.submitCond.Wait()
		}
		if c.closed.Load() {
			c.submitMu.Unlock()
			return
		}

		var batch []*block
		for len(c.submitQ) > 0 && c.nrSubmitted.Load() < depth {
			batch = append(batch, c.submitQ[0])
			c.submitQ = c.submitQ[1:]
			c.nrSubmitted.Add(1)
		}
		c.submitMu.Unlock()

		for _, b := range batch {
			op := OpWrite
			if b.hasState(blockReading) {
				op = OpGetRead
			}
			if err := c.transport.SubmitBlock(ctx, op, b.bnr, b.currentPage()); err != nil {
				// endIO decrements nr_submitted for every completion,
				// including this synthesized one.
				c.EndIO(b.bnr, nil, err)
			}
		}
		if len(batch) > 0 {
			c.reportGauges()
		}
	}
}

// shouldWriteback implements the writeback trigger predicate:
// (sync_seq > writeback_seq) ∨ (nr_dirty - nr_writeback ≥ WritebackThresh),
// gated by nr_writeback < queue_depth.
func (c *Cache) shouldWriteback() bool {
	if c.nrWriteback.Load() >= int64(c.QueueDepth()) {
		return false
	}
	if c.syncSeq.Load() > c.writebackSeq.Load() {
		return true
	}
	return c.nrDirty.Load()-c.nrWriteback.Load() >= c.cfg.WritebackThresh
}

func (c *Cache) enqueueWriteback(s *dirtySet) {
	c.writebackMu.Lock()
	c.writebackQ = append(c.writebackQ, s)
	c.writebackCond.Signal()
	c.writebackMu.Unlock()
}

// writebackWorker selects dirty sets for submission.
func (c *Cache) writebackWorker() {
	defer c.wg.Done()

	for {
		c.writebackMu.Lock()
		for len(c.writebackQ) == 0 && !c.closed.Load() {
			c.writebackCond.Wait()
		}
		if c.closed.Load() {
			c.writebackMu.Unlock()
			return
		}
		// Peek, don't pop: sets leave the list only when dispatched, so
		// dispatch follows dirty_seq order even across the waits below.
		// Single consumer, so the head cannot change under us.
		s := c.writebackQ[0]
		c.writebackMu.Unlock()

		if !c.shouldWriteback() {
			// Park until a completion or a sync raises the trigger. Grab
			// the token before the re-check so a wake landing in between
			// is never missed.
			tok := c.thresholds.token()
			if !c.shouldWriteback() && !c.closed.Load() {
				<-tok
			}
			continue
		}

		if !s.testAndSetWriteback() {
			// Single writeback worker in this design; should not happen.
			continue
		}

		if s.hasState(setDirtying) {
			s.clearWriteback()
			tok := s.notify.token()
			if s.hasState(setDirtying) && !c.closed.Load() {
				<-tok
			}
			continue // the set remains at the head, re-examined
		}

		c.writebackMu.Lock()
		c.writebackQ = c.writebackQ[1:]
		c.writebackMu.Unlock()

		c.dispatchWriteback(s)
	}
}

// dispatchWriteback implements step 3-4 of the writeback algorithm: pin the
// set and every member block and enqueue them for submission.
//
// writeback_seq advances when a set leaves WRITEBACK with every block
// flushed — in completeWriteback for a populated set, or right here for a
// merged-away empty one that will never see a completion. Advancing at
// dispatch instead would let a sync waiter observe the sequence as caught
// up while a failed batch is still parked for retry.
func (c *Cache) dispatchWriteback(s *dirtySet) {
	s.mu.Lock()
	blocks := append([]*block(nil), s.blocks...)
	size := len(blocks)
	s.mu.Unlock()

	if size == 0 {
		s.clearWriteback()
		c.writebackSeq.Add(1)
		if s.release() {
			c.releaseDirtySet(s)
		}
		return
	}

	c.nrWriteback.Add(int64(size))
	s.submittedBlocks.Add(int32(size))
	s.retain() // pinned while the set has writeback in flight
	for _, b := range blocks {
		b.retain() // dropped by this block's own end_io
		c.enqueueSubmit(b)
	}

	if s.release() {
		c.releaseDirtySet(s)
	}
}

// endIO handles one transport completion.
func (c *Cache) endIO(b *block, fresh *pagepool.Page, err error) {
	if err != nil {
		c.latchSyncError(&IOError{BNR: b.bnr, Errno: err})
	}

	c.submitMu.Lock()
	c.nrSubmitted.Add(-1)
	c.submitCond.Signal()
	c.submitMu.Unlock()

	if b.hasState(blockReading) {
		if err != nil {
			b.setErrorLocked(&IOError{BNR: b.bnr, Errno: err})
		}
		if fresh != nil {
			b.installFreshPage(fresh)
		}
		b.clearReading(err == nil)
		// Drop the extra pin taken by the READING winner. If every waiter
		// already gave up (context cancellation), this was the last
		// reference and the block comes out of the table here.
		if b.release() {
			c.evictLocked(b)
		}
		c.reportGauges()
		return
	}

	// Write completion. A failed write does not mark the block ERROR: ERROR
	// is sticky and would make the next Acquire evict a block that still
	// holds un-written data. Instead the block keeps DIRTY and stays on its
	// set for the writeback scheduler to reconsider.
	c.nrWriteback.Add(-1)
	b.setMu.Lock()
	s := b.set
	b.setMu.Unlock()

	if s != nil {
		if err != nil {
			s.markFailed(b)
		}
		if s.submittedBlocks.Add(-1) == 0 {
			c.completeWriteback(s)
		}
	}

	// Drop the pin taken when this block was enqueued for writeback.
	if b.release() {
		c.evictLocked(b)
	}
	c.thresholds.wake()
	c.reportGauges()
}

func (c *Cache) reportGauges() {
	if c.metrics != nil {
		c.metrics.SetGauges(c.nrDirty.Load(), c.nrWriteback.Load(), c.nrSubmitted.Load())
	}
}

// completeWriteback partitions s's blocks once its whole submitted batch has
// completed: blocks that wrote successfully detach and clear DIRTY, exactly
// as before; blocks whose write errored (see endIO) stay attached to s and
// keep DIRTY, so a future writeback pass picks them up again. SET_WRITEBACK
// clears either way, since s is no longer in flight.
func (c *Cache) completeWriteback(s *dirtySet) {
	s.mu.Lock()
	blocks := s.blocks
	failed := s.failed
	s.failed = nil
	var kept []*block
	if len(failed) > 0 {
		kept = make([]*block, 0, len(failed))
	}
	s.mu.Unlock()

	var cleared int64
	for _, b := range blocks {
		if failed[b] {
			kept = append(kept, b)
			continue
		}
		b.setMu.Lock()
		b.set = nil
		b.setMu.Unlock()
		for {
			old := b.state.Load()
			if b.state.CompareAndSwap(old, old&^blockDirty) {
				break
			}
		}
		// Drop the dirty-membership pin taken by markDirty.
		if b.release() {
			c.evictLocked(b)
		}
		cleared++
	}

	s.mu.Lock()
	s.blocks = kept
	s.mu.Unlock()

	c.nrDirty.Add(-cleared)
	c.dirtyAdmission.wake()
	c.reportGauges()

	if len(kept) == 0 {
		s.clearDirty()
		s.clearWriteback()
		// Every block in the batch reached storage; the set has left
		// WRITEBACK for good and the sequence advances.
		c.writebackSeq.Add(1)
		if s.release() { // drop the writeback-presence reference from dispatch
			c.releaseDirtySet(s)
		}
		return
	}

	// Some blocks failed: s stays dirty and goes back on the writeback list
	// for a future pass to retry, keeping the writeback-presence reference
	// that dispatchWriteback took instead of releasing it.
	s.clearWriteback()
	c.enqueueWriteback(s)
}

func (c *Cache) releaseDirtySet(s *dirtySet) {
	// Nothing to reclaim explicitly: the set's memory is GC'd once its last
	// reference (held here or by a lingering Go pointer) drops. Kept as a
	// named hook so a future pooled-allocator for dirty sets has a single
	// place to wire in.
	_ = s
}

// latchSyncError records a completion error for every sync waiter watching
// when it happened. With no waiters present there is nothing to deliver to:
// a failed write is parked for retry (see completeWriteback) and a future
// Sync waits on the writeback sequence, which no longer advances past the
// failed set, so it either observes the retry's own failure or its eventual
// success — never a stale error from before it was called.
func (c *Cache) latchSyncError(err error) {
	if c.syncWaiters.Load() > 0 {
		c.syncErr.CompareAndSwap(nil, &err)
	}
	c.thresholds.wake()
}

// departSyncWait drops this goroutine's claim on the sync-error latch. The
// latch exists only to report an error to whichever waiters were watching
// when it was raised; once the last of them departs there is nothing left
// for it to poison, so it clears and a later Sync starts clean.
func (c *Cache) departSyncWait() {
	if c.syncWaiters.Add(-1) == 0 {
		c.syncErr.Store(nil)
	}
}

// Sync returns only once every block that was dirty at call time has
// completed writeback successfully, or an error has been latched for every
// concurrent waiter to observe.
func (c *Cache) Sync(ctx context.Context) error {
	start := time.Now()
	err := c.syncUpTo(ctx, c.dirtySeqGen.Load())
	if err == nil && c.metrics != nil {
		c.metrics.ObserveSync(time.Since(start))
	}
	return err
}

// syncUpTo waits until writeback has progressed through target, or an error
// is latched. Every concurrent caller registers as a waiter for the
// duration of its wait so the latch can be cleared once none remain.
func (c *Cache) syncUpTo(ctx context.Context, target uint64) error {
	c.syncSeq.Store(max64(c.syncSeq.Load(), target))
	// Raising sync_seq can flip should_writeback; unpark the writeback
	// worker so it re-evaluates.
	c.thresholds.wake()

	c.syncWaiters.Add(1)
	defer c.departSyncWait()

	for {
		tok := c.thresholds.token()
		if e := c.syncErr.Load(); e != nil {
			return *e
		}
		if c.writebackSeq.Load() >= target && c.nrWriteback.Load() == 0 {
			return nil
		}
		select {
		case <-tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
