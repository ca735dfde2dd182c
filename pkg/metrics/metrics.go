// Package metrics declares the observability surface for the block cache,
// transports, and messaging substrate. Implementations are optional:
// every consumer accepts a nil interface value and checks for nil at each
// call site before invoking a method, since a nil interface has no method
// to dispatch to.
package metrics

import "time"

// Cache is the observability surface for pkg/blockcache.
type Cache interface {
	// SetGauges records the cache's current occupancy counters.
	SetGauges(nrDirty, nrWriteback, nrSubmitted int64)
	// ObserveAcquire records one Acquire call's outcome and latency.
	ObserveAcquire(hit bool, duration time.Duration)
	// ObserveSync records one Sync call's latency.
	ObserveSync(duration time.Duration)
}

// Transport is the observability surface for pkg/transport/*.
type Transport interface {
	// ObserveSubmit records one SubmitBlock call by op and outcome.
	ObserveSubmit(op string, err error)
	// SetQueueDepth records the transport's advertised queue depth.
	SetQueueDepth(depth int)
}

// Messaging is the observability surface for pkg/messaging.
type Messaging interface {
	// ObserveMessage records one dispatched message by type.
	ObserveMessage(msgType uint8, inbound bool)
	// SetPeerCount records the current size of the peer table.
	SetPeerCount(n int)
}
