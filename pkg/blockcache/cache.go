package blockcache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/ngnfs/corefs/pkg/quiescent"
)

// Config carries the cache's tunable thresholds. They are struct fields
// rather than compile-time constants so tests can exercise boundary
// behaviors without a rebuild.
type Config struct {
	// DirtyLimit is the admission threshold for new dirtying callers.
	// Default 1024.
	DirtyLimit int64
	// WritebackThresh is the nr_dirty - nr_writeback gap that triggers
	// eager writeback. Default 256.
	WritebackThresh int64
	// SetLimit is the maximum cardinality of one dirty set. Default 64.
	SetLimit int
	// Metrics is optional. A nil Metrics is never called: every observation
	// site checks c.metrics != nil first, since a nil metrics.Cache interface
	// value cannot safely have its methods invoked directly.
	Metrics metrics.Cache
}

// DefaultConfig returns the cache's default thresholds.
func DefaultConfig() Config {
	return Config{DirtyLimit: 1024, WritebackThresh: 256, SetLimit: 64}
}

// Cache is a concurrent, hash-indexed block cache.
type Cache struct {
	cfg       Config
	pages     *pagepool.Pool
	transport Transport
	log       *slog.Logger
	metrics   metrics.Cache

	domain *quiescent.Domain
	table  sync.Map // BlockNumber -> *block

	nrDirty      atomic.Int64
	nrWriteback  atomic.Int64
	nrSubmitted  atomic.Int64
	syncWaiters  atomic.Int64
	dirtySeqGen  atomic.Uint64
	writebackSeq atomic.Uint64
	syncSeq      atomic.Uint64

	dirtyAdmission *broadcaster // wakes waiters blocked on nr_dirty < DirtyLimit
	thresholds     *broadcaster // wakes sync() waiters on writeback progress

	syncErr atomic.Pointer[error]

	submitMu   sync.Mutex
	submitCond *sync.Cond
	submitQ    []*block

	writebackMu   sync.Mutex
	writebackCond *sync.Cond
	writebackQ    []*dirtySet

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a Cache bound to transport and starts its submission and
// writeback workers.
func New(transport Transport, cfg Config, log *slog.Logger) *Cache {
	if cfg.DirtyLimit <= 0 {
		cfg.DirtyLimit = DefaultConfig().DirtyLimit
	}
	if cfg.WritebackThresh <= 0 {
		cfg.WritebackThresh = DefaultConfig().WritebackThresh
	}
	if cfg.SetLimit <= 0 {
		cfg.SetLimit = DefaultConfig().SetLimit
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		cfg:            cfg,
		pages:          pagepool.New(),
		transport:      transport,
		log:            log,
		metrics:        cfg.Metrics,
		domain:         quiescent.NewDomain(),
		dirtyAdmission: newBroadcaster(),
		thresholds:     newBroadcaster(),
	}
	c.submitCond = sync.NewCond(&c.submitMu)
	c.writebackCond = sync.NewCond(&c.writebackMu)

	c.wg.Add(2)
	go c.submitWorker()
	go c.writebackWorker()

	return c
}

// QueueDepth returns the bound transport's advertised in-flight limit.
func (c *Cache) QueueDepth() int { return c.transport.QueueDepth() }

// Close stops the submission and writeback workers and shuts down the
// bound transport. Blocks are not flushed; call Sync first if durability of
// dirty data matters.
func (c *Cache) Close() error {
	var shutdownErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.submitMu.Lock()
		c.submitCond.Broadcast()
		c.submitMu.Unlock()

		c.writebackMu.Lock()
		c.writebackCond.Broadcast()
		c.writebackMu.Unlock()

		// The writeback worker may be parked on the thresholds broadcaster
		// rather than its cond.
		c.thresholds.wake()
		c.dirtyAdmission.wake()

		c.wg.Wait()
		shutdownErr = c.transport.Shutdown()
	})
	return shutdownErr
}

func (c *Cache) lookup(bnr BlockNumber) (*block, bool) {
	g := c.domain.Pin()
	defer g.Unpin()

	v, ok := c.table.Load(bnr)
	if !ok {
		return nil, false
	}
	return v.(*block), true
}

// EndIO is the transport completion callback. It matches EndIOFunc and may
// be called from any goroutine, including one the transport owns.
func (c *Cache) EndIO(bnr BlockNumber, fresh *pagepool.Page, err error) {
	b, ok := c.lookup(bnr)
	if !ok {
		// A lookup miss on completion is a programmer/transport-contract
		// error, not a runtime condition callers can recover from.
		panic("blockcache: end_io for unknown bnr " + bnr.String())
	}
	c.endIO(b, fresh, err)
}
