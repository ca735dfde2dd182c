// Package txn implements a transaction engine: a batch of block operations
// that acquire, optionally prepare and dirty, and finally commit as a unit.
package txn

import (
	"context"
	"fmt"

	"github.com/ngnfs/corefs/pkg/blockcache"
)

// PrepareFunc validates and stages a change against a block's buffer before
// any commit in the batch runs. It is the only fallible step; returning an
// error aborts the whole transaction before anything is dirtied.
type PrepareFunc func(ctx context.Context, buf []byte) error

// CommitFunc applies a previously prepared change to a block's buffer. It
// must not fail: commit is infallible once prepare has succeeded for every
// entry in the batch.
type CommitFunc func(buf []byte)

// Entry is one block's participation in a transaction.
type Entry struct {
	BNR     blockcache.BlockNumber
	Intent  blockcache.Intent
	Prepare PrepareFunc
	Commit  CommitFunc
}

// Txn is a batch of entries executed atomically with respect to the block
// cache's dirty-tracking: either every entry's commit runs and every block
// of an entry with a Commit is dirtied, or none are.
type Txn struct {
	cache   *blockcache.Cache
	entries []Entry
}

// New returns an empty transaction bound to cache.
func New(cache *blockcache.Cache) *Txn {
	return &Txn{cache: cache}
}

// Add appends one block's participation. Order is preserved: acquisition,
// preparation, and commit all proceed in Add order.
func (t *Txn) Add(e Entry) {
	t.entries = append(t.entries, e)
}

// Execute runs the transaction: acquire every block, run every Prepare,
// and only if every Prepare succeeded, dirty_begin the whole batch of
// commits at once, run every Commit, then dirty_end. Bracketing the entire
// batch in one dirty_begin/dirty_end pair, rather than one pair per entry,
// is what makes the batch atomic with respect to the writeback worker: no
// entry's block can be picked off for writeback while a sibling entry in
// the same transaction is still uncommitted. On any Prepare failure, every
// already-acquired block is released and no block is dirtied.
func (t *Txn) Execute(ctx context.Context) error {
	refs := make([]*blockcache.Ref, 0, len(t.entries))
	defer func() {
		for _, r := range refs {
			t.cache.Release(r)
		}
	}()

	for _, e := range t.entries {
		r, err := t.cache.Acquire(ctx, e.BNR, e.Intent)
		if err != nil {
			return fmt.Errorf("txn: acquire bnr %s: %w", e.BNR, err)
		}
		refs = append(refs, r)
	}

	for i, e := range t.entries {
		if e.Prepare == nil {
			continue
		}
		if err := e.Prepare(ctx, refs[i].Buffer()); err != nil {
			return fmt.Errorf("txn: prepare bnr %s: %w", e.BNR, err)
		}
	}

	var writeRefs []*blockcache.Ref
	for i, e := range t.entries {
		if e.Commit != nil {
			writeRefs = append(writeRefs, refs[i])
		}
	}

	set, err := t.cache.DirtyBegin(ctx, writeRefs)
	if err != nil {
		return fmt.Errorf("txn: dirty_begin: %w", err)
	}
	defer t.cache.DirtyEnd(set)

	for i, e := range t.entries {
		if e.Commit == nil {
			continue
		}
		e.Commit(refs[i].Buffer())
	}

	return nil
}

// ExecuteWithRetry runs Execute, retrying up to attempts times while the
// error chain contains ErrNoMemory. Admission-control backpressure
// (dirty_begin waiting on nr_dirty) already blocks rather than failing, and
// Acquire never returns ErrNoMemory, so in practice only a Prepare that
// returns (or wraps) ErrNoMemory triggers a retry;
// everything else (ErrInvalid, a block's sticky ErrIO, context
// cancellation) is a caller bug or a permanent condition and is returned
// immediately. This is not part of the original design; it is the natural
// generalization once Execute can fail for a reason unrelated to the
// transaction's own correctness.
func (t *Txn) ExecuteWithRetry(ctx context.Context, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = t.Execute(ctx)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func isRetryable(err error) bool {
	for err != nil {
		if err == blockcache.ErrNoMemory {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
