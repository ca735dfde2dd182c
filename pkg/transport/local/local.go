// Package local implements a blockcache.Transport backed by a private
// block device (or a plain file, for tests), grounded on devd's AIO
// transport (original_source/devd/btr-aio.c). That transport prefills a
// fixed pool of iocbs tracked by two bitmaps (empty/submitted) serviced by a
// dedicated submit thread and a dedicated io_getevents thread. Go has no
// ergonomic access to Linux AIO without cgo, so this package keeps the
// fixed-queue-depth admission control but replaces both the iocb bitmap
// pool and the submit/completion thread pair with a buffered job channel
// served by queue-depth worker goroutines, each performing a blocking
// pread/pwrite and reporting its own completion — the channel's capacity is
// the queue depth, and acquiring a slot is the Go equivalent of clearing a
// bit in the empty bitmap.
package local

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"golang.org/x/sys/unix"
)

// EndIOFunc matches blockcache.Cache.EndIO, injected at construction so
// this package does not import blockcache's concrete Cache type and can be
// tested with a recording stub.
type EndIOFunc func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error)

// Transport issues direct reads and writes against one block device path.
// It implements blockcache.Transport.
type Transport struct {
	fd       int
	path     string
	depth    int
	endIO    EndIOFunc
	metrics  metrics.Transport
	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	directIO  bool
}

type job struct {
	ctx  context.Context
	op   blockcache.Op
	bnr  blockcache.BlockNumber
	page *pagepool.Page
}

// Open opens path for direct I/O, falling back to buffered I/O if the
// filesystem or device does not support O_DIRECT — the same fallback
// btr_aio_setup performs. m is optional and may be nil.
func Open(path string, queueDepth int, endIO EndIOFunc, m metrics.Transport) (*Transport, error) {
	if queueDepth <= 0 {
		queueDepth = 31 // AIO_QUEUE_DEPTH in the source: BITS_PER_LONG-1
	}

	flags := os.O_RDWR | unix.O_DIRECT
	fd, err := unix.Open(path, flags, 0)
	directIO := true
	if err == unix.EINVAL {
		flags &^= unix.O_DIRECT
		fd, err = unix.Open(path, flags, 0)
		directIO = false
	}
	if err != nil {
		return nil, fmt.Errorf("local: open %q: %w", path, err)
	}

	t := &Transport{
		fd:       fd,
		path:     path,
		depth:    queueDepth,
		endIO:    endIO,
		metrics:  m,
		jobs:     make(chan job, queueDepth),
		done:     make(chan struct{}),
		directIO: directIO,
	}
	if m != nil {
		m.SetQueueDepth(queueDepth)
	}

	for i := 0; i < queueDepth; i++ {
		go t.worker()
	}

	return t, nil
}

func (t *Transport) QueueDepth() int { return t.depth }

// SubmitBlock enqueues one block I/O. It returns ErrClosed once Shutdown
// has been called, and otherwise never blocks the caller past the point of
// handing the job to a worker slot — backpressure is enforced by the
// cache's own nr_submitted/nr_writeback accounting honoring QueueDepth, not
// by blocking here.
func (t *Transport) SubmitBlock(ctx context.Context, op blockcache.Op, bnr blockcache.BlockNumber, page *pagepool.Page) error {
	select {
	case <-t.done:
		return blockcache.ErrClosed
	default:
	}

	select {
	case t.jobs <- job{ctx: ctx, op: op, bnr: bnr, page: page}:
		return nil
	case <-t.done:
		return blockcache.ErrClosed
	}
}

func (t *Transport) Shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = unix.Close(t.fd)
	})
	return err
}

// worker is the Go stand-in for devd's combined submit_thread +
// getevents_thread: it performs the syscall itself and reports completion
// synchronously, since blocking pread/pwrite on a goroutine already gives
// the concurrency AIO's two-thread split existed to provide.
func (t *Transport) worker() {
	for {
		select {
		case j := <-t.jobs:
			t.service(j)
		case <-t.done:
			return
		}
	}
}

// service reads or writes directly into/from the block's own page buffer.
// That buffer is over-allocated and trimmed to a 4096-byte boundary by
// pagepool (pkg/pagepool), which is what makes it safe to hand to
// O_DIRECT's pread/pwrite without an intermediate aligned scratch buffer.
func (t *Transport) service(j job) {
	off := int64(j.bnr) * pagepool.Size
	buf := j.page.Bytes()

	switch j.op {
	case blockcache.OpGetRead, blockcache.OpGetWrite:
		n, err := unix.Pread(t.fd, buf, off)
		if err == nil && n != pagepool.Size {
			err = fmt.Errorf("local: short read of %d bytes", n)
		}
		t.observeSubmit(j.op, err)
		t.endIO(j.bnr, nil, err)

	case blockcache.OpWrite:
		n, err := unix.Pwrite(t.fd, buf, off)
		if err == nil && n != pagepool.Size {
			err = fmt.Errorf("local: short write of %d bytes", n)
		}
		t.observeSubmit(j.op, err)
		t.endIO(j.bnr, nil, err)

	default:
		t.observeSubmit(j.op, blockcache.ErrNotSupported)
		t.endIO(j.bnr, nil, blockcache.ErrNotSupported)
	}
}

func (t *Transport) observeSubmit(op blockcache.Op, err error) {
	if t.metrics != nil {
		t.metrics.ObserveSubmit(op.String(), err)
	}
}
