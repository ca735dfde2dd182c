package blockcache

import (
	"sync"
	"sync/atomic"

	"github.com/ngnfs/corefs/pkg/pagepool"
)

// Per-block state bits. ERROR is sticky for the current cache residency;
// UPTODATE is set exactly once per block lifetime.
const (
	blockReading uint32 = 1 << iota
	blockUptodate
	blockError
	blockDirty
)

// block is one cached unit. It participates in at most one hash-table entry,
// at most one submit queue (a read is enqueued only by the caller that wins
// blockReading's test-and-set; a write only by dispatch of the one dirty set
// the block belongs to), and at most one
// dirty set's block list (tracked by setMu + the set field).
type block struct {
	bnr BlockNumber

	page atomic.Pointer[pagepool.Page]

	refs  atomic.Int32
	state atomic.Uint32

	// ioErr holds the sticky error for the current residency. Guarded by
	// state's blockError bit: set once under the bit, read freely after.
	ioErr atomic.Pointer[error]

	notify *broadcaster

	// inFlight is not set by any code path; double read submission is
	// prevented by blockReading's test-and-set instead.
	inFlight atomic.Bool

	// setMu serializes changes to set; set is the dirty set this block
	// currently belongs to, or nil. The back-reference is the sole
	// authoritative place for the block/set mapping.
	setMu sync.Mutex
	set   *dirtySet
}

func newBlock(bnr BlockNumber, page *pagepool.Page) *block {
	b := &block{bnr: bnr, notify: newBroadcaster()}
	b.page.Store(page)
	b.refs.Store(1)
	return b
}

// tryRetain adds a reference unless the block has already dropped to zero
// (and is therefore being, or already has been, removed from the table).
// A refcount that has reached zero never rises again — each block object
// is used for exactly one cache residency — so this CAS loop is race-free
// against a concurrent release() racing it to zero.
func (b *block) tryRetain() bool {
	for {
		old := b.refs.Load()
		if old <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// retain adds a reference on a block the caller already holds a live
// reference to (e.g. pinning it for a second, independent use such as an
// in-flight I/O). Safe without a CAS loop since the count cannot be at zero.
func (b *block) retain() { b.refs.Add(1) }

// release drops a reference, returning true if this call made it reach
// zero (the caller is then responsible for removing the block from the
// table and deferring its buffer's release).
func (b *block) release() bool {
	for {
		old := b.refs.Load()
		if old <= 0 {
			panic("blockcache: release of block with no references")
		}
		next := old - 1
		if b.refs.CompareAndSwap(old, next) {
			return next == 0
		}
	}
}

func (b *block) hasState(bit uint32) bool { return b.state.Load()&bit != 0 }

// testAndSetReading atomically sets blockReading and reports whether this
// call was the one that set it (the "winner" that must submit the read).
func (b *block) testAndSetReading() (won bool) {
	for {
		old := b.state.Load()
		if old&blockReading != 0 {
			return false
		}
		if b.state.CompareAndSwap(old, old|blockReading) {
			return true
		}
	}
}

func (b *block) clearReading(uptodate bool) {
	for {
		old := b.state.Load()
		next := old &^ blockReading
		if uptodate {
			next |= blockUptodate
		}
		if b.state.CompareAndSwap(old, next) {
			break
		}
	}
	b.notify.wake()
}

func (b *block) setErrorLocked(err error) {
	b.ioErr.Store(&err)
	for {
		old := b.state.Load()
		if old&blockError != 0 {
			return
		}
		if b.state.CompareAndSwap(old, old|blockError) {
			return
		}
	}
}

// clearErrorAndUptodate resets a block's residency after reclamation would
// otherwise be required; used when a block is recycled in place rather than
// removed from the hash table. Nothing calls it: the cache always removes
// errored blocks from the table instead.
func (b *block) clearErrorAndUptodate() {
	b.state.Store(0)
	b.ioErr.Store(nil)
}

func (b *block) storedErr() error {
	if p := b.ioErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *block) swapPage(next *pagepool.Page) *pagepool.Page {
	return b.page.Swap(next)
}

func (b *block) currentPage() *pagepool.Page {
	return b.page.Load()
}
