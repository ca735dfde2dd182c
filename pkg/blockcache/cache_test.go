package blockcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/stretchr/testify/require"
)

// fakeTransport completes every submission immediately, synchronously, on
// the calling goroutine, mirroring the simplest possible conformant
// Transport: the fire-and-forget contract still holds, EndIO is always
// called, just inline here instead of from a worker.
type fakeTransport struct {
	mu       sync.Mutex
	depth    int
	contents map[BlockNumber][]byte
	failBNR  map[BlockNumber]error
	cache    *Cache
}

func newFakeTransport(depth int) *fakeTransport {
	return &fakeTransport{depth: depth, contents: map[BlockNumber][]byte{}, failBNR: map[BlockNumber]error{}}
}

func (t *fakeTransport) QueueDepth() int { return t.depth }

func (t *fakeTransport) SubmitBlock(ctx context.Context, op Op, bnr BlockNumber, page *pagepool.Page) error {
	t.mu.Lock()
	failErr := t.failBNR[bnr]
	t.mu.Unlock()

	if failErr != nil {
		t.cache.EndIO(bnr, nil, failErr)
		return nil
	}

	switch op {
	case OpGetRead, OpGetWrite:
		t.mu.Lock()
		data := t.contents[bnr]
		t.mu.Unlock()
		copy(page.Bytes(), data)
		t.cache.EndIO(bnr, nil, nil)
	case OpWrite:
		t.mu.Lock()
		t.contents[bnr] = append([]byte(nil), page.Bytes()...)
		t.mu.Unlock()
		t.cache.EndIO(bnr, nil, nil)
	}
	return nil
}

func (t *fakeTransport) Shutdown() error { return nil }

func newTestCache(t *testing.T, depth int, cfg Config) (*Cache, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport(depth)
	c := New(tr, cfg, nil)
	tr.cache = c
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func TestAcquireNewZeroesAndMarksUptodate(t *testing.T) {
	c, _ := newTestCache(t, 4, DefaultConfig())
	ctx := context.Background()

	r, err := c.Acquire(ctx, 1, IntentNew)
	require.NoError(t, err)
	require.Equal(t, make([]byte, pagepool.Size), r.Buffer())
	c.Release(r)
}

func TestAcquireReadMissGoesThroughTransport(t *testing.T) {
	c, tr := newTestCache(t, 4, DefaultConfig())
	ctx := context.Background()
	tr.contents[7] = []byte("hello")

	r, err := c.Acquire(ctx, 7, IntentRead)
	require.NoError(t, err)
	require.Equal(t, byte('h'), r.Buffer()[0])
	c.Release(r)
}

func TestAcquireConcurrentMissesAllSucceed(t *testing.T) {
	c, _ := newTestCache(t, 4, DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Acquire(ctx, 42, IntentRead)
			require.NoError(t, err)
			c.Release(r)
		}()
	}
	wg.Wait()
}

func TestDirtyWritebackAndSync(t *testing.T) {
	c, tr := newTestCache(t, 8, Config{DirtyLimit: 8, WritebackThresh: 1, SetLimit: 4})
	ctx := context.Background()

	r, err := c.Acquire(ctx, 3, IntentNew|IntentWrite)
	require.NoError(t, err)
	copy(r.Buffer(), []byte("payload"))

	s, err := c.DirtyBegin(ctx, []*Ref{r})
	require.NoError(t, err)
	c.DirtyEnd(s)

	require.NoError(t, c.Sync(ctx))

	tr.mu.Lock()
	require.Equal(t, []byte("payload"), tr.contents[3][:len("payload")])
	tr.mu.Unlock()

	c.Release(r)
}

func TestErrorIsStickyUntilBlockReclaimed(t *testing.T) {
	c, tr := newTestCache(t, 4, DefaultConfig())
	ctx := context.Background()
	tr.failBNR[9] = errors.New("disk on fire")

	_, err := c.Acquire(ctx, 9, IntentRead)
	require.Error(t, err)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, ErrIO)
}

func TestDisjointSingleBlockDirtyBeginsKeepDirtyCountBounded(t *testing.T) {
	c, _ := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1, SetLimit: 2})
	ctx := context.Background()

	var refs []*Ref
	for bnr := BlockNumber(0); bnr < 5; bnr++ {
		r, err := c.Acquire(ctx, bnr, IntentNew|IntentWrite)
		require.NoError(t, err)
		s, err := c.DirtyBegin(ctx, []*Ref{r})
		require.NoError(t, err)
		c.DirtyEnd(s)
		refs = append(refs, r)
	}

	require.Eventually(t, func() bool {
		return c.nrDirty.Load() <= int64(len(refs))
	}, time.Second, time.Millisecond)

	for _, r := range refs {
		c.Release(r)
	}
}

func TestDirtyBeginSingleCallMergesAllRefsIntoOneSet(t *testing.T) {
	// WritebackThresh is set far above what this test dirties, and no Sync
	// runs until the end, so the writeback worker never dispatches mid-test
	// and can't race the assertions below.
	c, _ := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1000, SetLimit: 64})
	ctx := context.Background()

	refs := make([]*Ref, 3)
	for i := range refs {
		r, err := c.Acquire(ctx, BlockNumber(i+1), IntentNew|IntentWrite)
		require.NoError(t, err)
		refs[i] = r
	}

	set, err := c.DirtyBegin(ctx, refs)
	require.NoError(t, err)
	require.Equal(t, 3, set.size())
	c.DirtyEnd(set)

	require.NoError(t, c.Sync(ctx))
	for _, r := range refs {
		c.Release(r)
	}
}

func TestDirtyBeginMergesIntersectingPreexistingSets(t *testing.T) {
	c, _ := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1000, SetLimit: 64})
	ctx := context.Background()

	r4, err := c.Acquire(ctx, 4, IntentNew|IntentWrite)
	require.NoError(t, err)
	r5, err := c.Acquire(ctx, 5, IntentNew|IntentWrite)
	require.NoError(t, err)
	r6, err := c.Acquire(ctx, 6, IntentNew|IntentWrite)
	require.NoError(t, err)

	setA, err := c.DirtyBegin(ctx, []*Ref{r4, r5})
	require.NoError(t, err)
	require.Equal(t, 2, setA.size())
	c.DirtyEnd(setA)

	setB, err := c.DirtyBegin(ctx, []*Ref{r5, r6})
	require.NoError(t, err)

	// r5's block was already in setA, so the second call merges into it
	// rather than producing a second set.
	require.Same(t, setA, setB)
	require.Equal(t, 3, setB.size())
	c.DirtyEnd(setB)

	require.NoError(t, c.Sync(ctx))
	c.Release(r4)
	c.Release(r5)
	c.Release(r6)
}

func TestDirtyBeginDisjointCallsStayInSeparateSets(t *testing.T) {
	c, _ := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1000, SetLimit: 64})
	ctx := context.Background()

	r7, err := c.Acquire(ctx, 7, IntentNew|IntentWrite)
	require.NoError(t, err)
	r8, err := c.Acquire(ctx, 8, IntentNew|IntentWrite)
	require.NoError(t, err)

	setC, err := c.DirtyBegin(ctx, []*Ref{r7})
	require.NoError(t, err)
	c.DirtyEnd(setC)

	setD, err := c.DirtyBegin(ctx, []*Ref{r8})
	require.NoError(t, err)
	c.DirtyEnd(setD)

	require.NotSame(t, setC, setD)
	require.Equal(t, 1, setC.size())
	require.Equal(t, 1, setD.size())

	require.NoError(t, c.Sync(ctx))
	c.Release(r7)
	c.Release(r8)
}

func TestWritebackFailureKeepsBlockDirtyForRetry(t *testing.T) {
	c, tr := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1, SetLimit: 64})
	ctx := context.Background()

	tr.mu.Lock()
	tr.failBNR[9] = errors.New("disk on fire")
	tr.mu.Unlock()

	r, err := c.Acquire(ctx, 9, IntentNew|IntentWrite)
	require.NoError(t, err)
	copy(r.Buffer(), []byte("payload"))

	set, err := c.DirtyBegin(ctx, []*Ref{r})
	require.NoError(t, err)
	c.DirtyEnd(set)

	require.Eventually(t, func() bool {
		b, ok := c.lookup(9)
		return ok && b.hasState(blockDirty) && !b.hasState(blockError)
	}, time.Second, time.Millisecond, "failed write must keep the block DIRTY, not ERROR")

	require.Equal(t, int64(1), c.nrDirty.Load())

	tr.mu.Lock()
	delete(tr.failBNR, 9)
	tr.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.nrDirty.Load() == 0
	}, time.Second, time.Millisecond, "block must be retried and eventually detached once writes succeed")

	tr.mu.Lock()
	require.Equal(t, []byte("payload"), tr.contents[9][:len("payload")])
	tr.mu.Unlock()

	c.Release(r)
}

func TestMergeOverflowForcesSyncOfLargerSetThenRetries(t *testing.T) {
	c, tr := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1000, SetLimit: 2})
	ctx := context.Background()

	refs := make(map[BlockNumber]*Ref)
	for _, bnr := range []BlockNumber{1, 2, 3} {
		r, err := c.Acquire(ctx, bnr, IntentNew|IntentWrite)
		require.NoError(t, err)
		copy(r.Buffer(), []byte{byte(bnr)})
		refs[bnr] = r
	}

	setA, err := c.DirtyBegin(ctx, []*Ref{refs[1], refs[2]})
	require.NoError(t, err)
	require.Equal(t, 2, setA.size())
	c.DirtyEnd(setA)
	seqA := setA.dirtySeq

	setB, err := c.DirtyBegin(ctx, []*Ref{refs[3]})
	require.NoError(t, err)
	c.DirtyEnd(setB)

	// Merging setA (2) with setB (1) would exceed SetLimit, so dirty_begin
	// must sync the larger set and complete the merge on retry, producing a
	// fresh set for {1,3}.
	setC, err := c.DirtyBegin(ctx, []*Ref{refs[1], refs[3]})
	require.NoError(t, err)
	require.NotSame(t, setA, setC)
	require.Equal(t, 2, setC.size())
	require.Greater(t, setC.dirtySeq, seqA)
	c.DirtyEnd(setC)

	// setA must already have reached the transport by the time the merge
	// completed.
	tr.mu.Lock()
	require.Contains(t, tr.contents, BlockNumber(2))
	tr.mu.Unlock()

	require.NoError(t, c.Sync(ctx))
	require.Equal(t, int64(0), c.nrDirty.Load())

	tr.mu.Lock()
	for _, bnr := range []BlockNumber{1, 2, 3} {
		require.Equal(t, byte(bnr), tr.contents[bnr][0])
	}
	tr.mu.Unlock()

	for _, r := range refs {
		c.Release(r)
	}
}

func TestSyncErrorLatchClearsWhenLastWaiterDeparts(t *testing.T) {
	c, _ := newTestCache(t, 8, DefaultConfig())
	ctx := context.Background()

	// A failure with no sync in progress never latches: the set is parked
	// for retry and a future Sync waits on the writeback sequence instead.
	c.latchSyncError(errors.New("boom"))
	require.Nil(t, c.syncErr.Load())

	// Simulate one waiter already registered when the failure lands.
	c.syncWaiters.Add(1)
	c.latchSyncError(errors.New("boom"))

	err := c.syncUpTo(ctx, c.dirtySeqGen.Load())
	require.Error(t, err)
	// The simulated waiter is still registered, so the latch survives its
	// sibling's departure...
	require.NotNil(t, c.syncErr.Load())

	// ...and clears only when the last waiter departs.
	c.departSyncWait()
	require.Nil(t, c.syncErr.Load())

	require.NoError(t, c.syncUpTo(ctx, c.dirtySeqGen.Load()))
}

func TestSyncAfterTransientWritebackFailureDoesNotReportFalseSuccess(t *testing.T) {
	c, tr := newTestCache(t, 8, Config{DirtyLimit: 64, WritebackThresh: 1, SetLimit: 64})
	ctx := context.Background()

	tr.mu.Lock()
	tr.failBNR[11] = errors.New("transient")
	tr.mu.Unlock()

	r, err := c.Acquire(ctx, 11, IntentNew|IntentWrite)
	require.NoError(t, err)
	copy(r.Buffer(), []byte("retry me"))

	set, err := c.DirtyBegin(ctx, []*Ref{r})
	require.NoError(t, err)
	c.DirtyEnd(set)

	// Wait until at least one writeback attempt has failed and completed:
	// the block is back to dirty-not-in-flight, parked for retry.
	require.Eventually(t, func() bool {
		b, ok := c.lookup(11)
		return ok && b.hasState(blockDirty) && !set.hasState(setWriteback)
	}, time.Second, time.Millisecond)

	// A Sync taken now must not report success while the block is still
	// dirty: it observes a retry attempt's failure, or blocks until a
	// retry finally lands. writeback_seq must not have run ahead of the
	// parked set.
	if err := c.Sync(ctx); err == nil {
		require.Equal(t, int64(0), c.nrDirty.Load(),
			"Sync returned success while a block was still dirty awaiting retry")
	}

	tr.mu.Lock()
	delete(tr.failBNR, 11)
	tr.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.nrDirty.Load() == 0
	}, time.Second, time.Millisecond)

	// With the retry flushed and no failure observed by an active waiter,
	// Sync reports clean success.
	require.NoError(t, c.Sync(ctx))

	tr.mu.Lock()
	require.Equal(t, []byte("retry me"), tr.contents[11][:len("retry me")])
	tr.mu.Unlock()

	c.Release(r)
}
