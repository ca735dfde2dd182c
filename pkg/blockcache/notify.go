package blockcache

import "sync"

// broadcaster is a missed-wake-proof condition signal: a generation channel
// that is swapped and closed on every wake. A waiter that grabs the current
// token and re-checks its condition before blocking on it can never miss a
// wake that happens concurrently, since wake always closes the exact channel
// a late joiner would have observed.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

// token returns the current generation channel. A caller should grab the
// token, re-check its condition, and only then block on <-token; any wake
// that happens between the check and the receive is preserved because wake
// closes this exact channel, not a future one.
func (b *broadcaster) token() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// wake unblocks every waiter currently holding a token from this generation.
func (b *broadcaster) wake() {
	b.mu.Lock()
	old := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(old)
}
