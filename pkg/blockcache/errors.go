package blockcache

import "errors"

// Error taxonomy observable to callers.
//
// Protocol and transport errors are mapped onto this closed set at the
// boundary; internal invariant violations never surface here, they panic
// instead.
var (
	// ErrInvalid indicates malformed flags, a bad message header, or an
	// access outside the advertised bounds.
	ErrInvalid = errors.New("blockcache: invalid argument")

	// ErrNoMemory indicates an allocation failure on any path.
	ErrNoMemory = errors.New("blockcache: no memory")

	// ErrIO indicates a persistent or transient failure from the block
	// transport or socket.
	ErrIO = errors.New("blockcache: i/o error")

	// ErrProtocol indicates a wire header violation, unknown message type,
	// or invalid enumerator on the wire.
	ErrProtocol = errors.New("blockcache: protocol error")

	// ErrNotSupported indicates a submit op the transport cannot currently
	// service.
	ErrNotSupported = errors.New("blockcache: not supported")

	// ErrClosed indicates the cache has been shut down.
	ErrClosed = errors.New("blockcache: closed")
)

// IOError wraps a transport-reported errno so that every caller that
// observes a sticky ERROR block receives the same stored error: a
// subsequent acquire on the same BNR returns it until the block is
// reclaimed.
type IOError struct {
	BNR  BlockNumber
	Errno error
}

func (e *IOError) Error() string {
	return "blockcache: bnr " + e.BNR.String() + ": " + e.Errno.Error()
}

func (e *IOError) Unwrap() error { return ErrIO }
