package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/stretchr/testify/require"
)

// nopTransport stores nothing: it completes every submission at once
// without touching the buffer.
type nopTransport struct {
	depth int
	cache *blockcache.Cache
}

func (t *nopTransport) QueueDepth() int { return t.depth }

func (t *nopTransport) SubmitBlock(ctx context.Context, op blockcache.Op, bnr blockcache.BlockNumber, page *pagepool.Page) error {
	t.cache.EndIO(bnr, nil, nil)
	return nil
}

func (t *nopTransport) Shutdown() error { return nil }

func TestExecuteAbortsWithoutCommittingOnPrepareFailure(t *testing.T) {
	tr := &nopTransport{depth: 4}
	c := blockcache.New(tr, blockcache.DefaultConfig(), nil)
	tr.cache = c
	defer c.Close()

	tx := New(c)
	tx.Add(Entry{
		BNR:    1,
		Intent: blockcache.IntentNew | blockcache.IntentWrite,
		Commit: func(buf []byte) { buf[0] = 'A' },
	})
	tx.Add(Entry{
		BNR:     2,
		Intent:  blockcache.IntentNew | blockcache.IntentWrite,
		Prepare: func(ctx context.Context, buf []byte) error { return errors.New("rejected") },
	})

	err := tx.Execute(context.Background())
	require.Error(t, err)

	r, err := c.Acquire(context.Background(), 1, blockcache.IntentRead)
	require.NoError(t, err)
	require.Equal(t, byte(0), r.Buffer()[0])
	c.Release(r)
}

// recordingTransport completes every submission immediately (like a real
// writeback worker would, against storage fast enough not to matter) but
// records which block numbers were ever handed to it.
type recordingTransport struct {
	depth int
	cache *blockcache.Cache

	mu   sync.Mutex
	subs map[blockcache.BlockNumber]bool
}

func (t *recordingTransport) QueueDepth() int { return t.depth }

func (t *recordingTransport) SubmitBlock(ctx context.Context, op blockcache.Op, bnr blockcache.BlockNumber, page *pagepool.Page) error {
	t.mu.Lock()
	if t.subs == nil {
		t.subs = map[blockcache.BlockNumber]bool{}
	}
	t.subs[bnr] = true
	t.mu.Unlock()
	t.cache.EndIO(bnr, nil, nil)
	return nil
}

func (t *recordingTransport) Shutdown() error { return nil }

func (t *recordingTransport) submitted(bnr blockcache.BlockNumber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[bnr]
}

// TestExecuteDoesNotWritebackAnyEntryUntilWholeBatchCommits pins down the
// batch atomicity a single dirty_begin/dirty_end bracket around the whole
// transaction is supposed to give: entry 1's block must not reach the
// transport while entry 2, in the same transaction, is still mid-commit.
func TestExecuteDoesNotWritebackAnyEntryUntilWholeBatchCommits(t *testing.T) {
	tr := &recordingTransport{depth: 4}
	c := blockcache.New(tr, blockcache.Config{DirtyLimit: 64, WritebackThresh: 1, SetLimit: 64}, nil)
	tr.cache = c
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	tx := New(c)
	tx.Add(Entry{
		BNR:    1,
		Intent: blockcache.IntentNew | blockcache.IntentWrite,
		Commit: func(buf []byte) { buf[0] = 'A' },
	})
	tx.Add(Entry{
		BNR:    2,
		Intent: blockcache.IntentNew | blockcache.IntentWrite,
		Commit: func(buf []byte) {
			close(started)
			<-release
			buf[0] = 'B'
		},
	})

	done := make(chan error, 1)
	go func() { done <- tx.Execute(context.Background()) }()

	<-started
	require.Never(t, func() bool {
		return tr.submitted(1)
	}, 50*time.Millisecond, 5*time.Millisecond, "entry 1 must not be written back while entry 2 is still committing")

	close(release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		return tr.submitted(1) && tr.submitted(2)
	}, time.Second, time.Millisecond, "both entries must eventually reach the transport once the batch commits")
}
