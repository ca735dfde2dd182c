package blockcache

import (
	"context"
	"strconv"

	"github.com/ngnfs/corefs/pkg/pagepool"
)

// BlockNumber (BNR) is the 64-bit identifier of a logical block, unique
// within a mount.
type BlockNumber uint64

func (n BlockNumber) String() string { return strconv.FormatUint(uint64(n), 10) }

// Intent is the caller's declared access to an acquired block: NEW, READ,
// or WRITE.
type Intent uint8

const (
	// IntentRead is shared read intent.
	IntentRead Intent = 1 << iota
	// IntentWrite is intent to modify before DirtyEnd.
	IntentWrite
	// IntentNew initializes the buffer to zero and marks it UPTODATE even
	// if the block was missing from the cache.
	IntentNew
)

func (i Intent) valid() bool {
	return i&(IntentRead|IntentWrite) != (IntentRead | IntentWrite)
}

// Op is a block transport submission operation.
type Op int

const (
	// OpGetRead fetches a block's contents (read-through on a miss).
	OpGetRead Op = iota
	// OpGetWrite fetches a block's contents before it is overwritten
	// (transports may treat this identically to OpGetRead; the cache
	// never issues it today — write intent alone does not force a
	// read-through unless the block is also not yet UPTODATE).
	OpGetWrite
	// OpWrite pushes a dirty block's contents to storage.
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpGetRead:
		return "GET_READ"
	case OpGetWrite:
		return "GET_WRITE"
	case OpWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Transport is the pluggable block transport contract. Submission is
// fire-and-forget: the transport must eventually deliver a
// matching EndIO call (on any goroutine) with the same BNR and an error.
type Transport interface {
	// QueueDepth returns the transport's advertised in-flight submission
	// limit. The cache never lets nr_submitted exceed it. Writeback starts
	// a set only while nr_writeback is below it, but then adds the whole
	// set, so nr_writeback itself can exceed it.
	QueueDepth() int

	// SubmitBlock hands one block to the transport for op. page is the
	// block's own buffer, kept alive by the block reference the cache holds
	// for the in-flight I/O; neither the cache nor the transport takes a
	// separate page reference, and the transport does not Release it.
	SubmitBlock(ctx context.Context, op Op, bnr BlockNumber, page *pagepool.Page) error

	// Shutdown stops accepting new submissions and stops producing
	// completions.
	Shutdown() error
}

// EndIOFunc is the completion callback a Transport invokes once per
// submitted block. err is non-nil on failure. fresh is non-nil only for a
// successful read completion that delivers a new buffer to install under
// the block (a nil fresh buffer on a successful read means the transport
// filled the buffer the cache already owns).
type EndIOFunc func(bnr BlockNumber, fresh *pagepool.Page, err error)
