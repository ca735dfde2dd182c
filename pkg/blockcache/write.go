package blockcache

import "context"

// DirtyBegin brackets write-intent for every ref's block into exactly one
// dirty set, merging in whatever pre-existing sets those blocks already
// belong to. The caller must pair every successful call with DirtyEnd,
// passing back the returned set. An empty refs is a no-op.
func (c *Cache) DirtyBegin(ctx context.Context, refs []*Ref) (*dirtySet, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	for {
		if err := c.admitDirty(ctx); err != nil {
			return nil, err
		}

		large, err := c.mergeWalk(ctx, refs)
		if err != nil {
			return nil, err
		}
		if large == nil {
			continue // walk hit contention or SET_LIMIT overflow and must restart
		}

		large.mu.Lock()
		for i := len(large.blocks) - 1; i >= 0; i-- {
			markDirty(large.blocks[i], c)
		}
		large.mu.Unlock()

		if !large.setDirtyOnce() {
			large.retain() // writeback-list presence reference
			large.mu.Lock()
			large.dirtySeq = c.dirtySeqGen.Add(1)
			large.mu.Unlock()
			c.enqueueWriteback(large)
		}

		// The new dirtying may have pushed nr_dirty over the writeback
		// trigger; unpark the writeback worker to re-evaluate.
		c.thresholds.wake()

		c.reportGauges()
		return large, nil
	}
}

func markDirty(b *block, c *Cache) {
	for {
		old := b.state.Load()
		if old&blockDirty != 0 {
			return
		}
		if b.state.CompareAndSwap(old, old|blockDirty) {
			// Dirty membership pins the block: even if every caller
			// releases before writeback finishes, the block stays in the
			// table under its set. Dropped when the block detaches.
			b.retain()
			c.nrDirty.Add(1)
			return
		}
	}
}

// mergeWalk runs one pass of the dirty-set merge algorithm over refs. It
// returns the merged set on success, or (nil, nil) if the pass hit
// contention or a SET_LIMIT overflow and the whole walk must restart from
// scratch.
func (c *Cache) mergeWalk(ctx context.Context, refs []*Ref) (*dirtySet, error) {
	var large *dirtySet
	var added []*block

	for _, r := range refs {
		b := r.b

		// Read and, when null, publish the back-reference under one
		// critical section: a racing walk must either observe our set or
		// beat us to the publish, never both attach.
		b.setMu.Lock()
		bset := b.set
		if bset == nil {
			if large == nil {
				large = newDirtySet()
				large.testAndSetDirtying()
			}
			b.set = large
			b.setMu.Unlock()
			large.mu.Lock()
			large.blocks = append(large.blocks, b)
			large.mu.Unlock()
			added = append(added, b)
			continue
		}
		b.setMu.Unlock()

		if bset == large {
			continue
		}

		small := bset
		small.retain()

		if !small.testAndSetDirtying() {
			c.abortMergePass(large, added)
			tok := small.notify.token()
			stillHeld := small.hasState(setDirtying)
			small.release()
			if stillHeld {
				if err := waitOrDone(ctx, tok); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		if small.hasState(setWriteback) {
			small.clearDirtying()
			if large != nil {
				large.clearDirtying()
			}
			tok := small.notify.token()
			stillWb := small.hasState(setWriteback)
			small.release()
			if stillWb {
				if err := waitOrDone(ctx, tok); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		if large == nil {
			large = small
			continue
		}

		if small.size() > large.size() {
			large, small = small, large
		}
		if large.size()+small.size() > c.cfg.SetLimit {
			large.mu.Lock()
			seq := large.dirtySeq
			large.mu.Unlock()
			large.clearDirtying()
			small.clearDirtying()
			small.release()
			if err := c.syncUpTo(ctx, seq); err != nil {
				return nil, err
			}
			return nil, nil
		}

		c.mergeInto(large, small)
		small.release()
	}

	return large, nil
}

// mergeInto splices small's blocks into large, rewriting each block's
// back-reference, and finalizes small: SET_DIRTY and SET_DIRTYING clear,
// waiters woken. small's memory is reclaimed once its last reference drops.
func (c *Cache) mergeInto(large, small *dirtySet) {
	small.mu.Lock()
	blocks := small.blocks
	small.blocks = nil
	small.mu.Unlock()

	for _, b := range blocks {
		b.setMu.Lock()
		b.set = large
		b.setMu.Unlock()
	}

	large.mu.Lock()
	large.blocks = append(large.blocks, blocks...)
	large.mu.Unlock()

	small.clearDirty()
	small.clearDirtying()
}

// abortMergePass undoes the blocks newly attached to large during a pass
// that must restart: none of them had a prior set and none were already
// DIRTY, so detaching them is a clean rollback. A large that started this
// pass as an already-merged pre-existing set (no newly added blocks) is
// simply handed back with its DIRTYING cleared.
func (c *Cache) abortMergePass(large *dirtySet, added []*block) {
	if large == nil {
		return
	}
	if len(added) > 0 {
		rm := make(map[*block]bool, len(added))
		for _, b := range added {
			b.setMu.Lock()
			b.set = nil
			b.setMu.Unlock()
			rm[b] = true
		}
		// The added blocks are not necessarily a suffix of large's block
		// list once a pre-existing set has been spliced in mid-pass.
		large.mu.Lock()
		kept := large.blocks[:0]
		for _, b := range large.blocks {
			if !rm[b] {
				kept = append(kept, b)
			}
		}
		large.blocks = kept
		large.mu.Unlock()
	}
	large.clearDirtying()
}

// DirtyEnd releases the SET_DIRTYING lease acquired by DirtyBegin, allowing
// the writeback worker to select the set. A nil s (DirtyBegin called with
// no refs) is a no-op.
func (c *Cache) DirtyEnd(s *dirtySet) {
	if s == nil {
		return
	}
	s.clearDirtying()
	s.release()
}

// waitOrDone blocks on tok, honoring ctx cancellation, the way every other
// suspension point in this package waits on a broadcaster.
func waitOrDone(ctx context.Context, tok <-chan struct{}) error {
	select {
	case <-tok:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitDirty blocks until nr_dirty is below DirtyLimit, the admission-control
// wait for new dirtying callers.
func (c *Cache) admitDirty(ctx context.Context) error {
	for c.nrDirty.Load() >= c.cfg.DirtyLimit {
		tok := c.dirtyAdmission.token()
		if c.nrDirty.Load() < c.cfg.DirtyLimit {
			return nil
		}
		select {
		case <-tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
