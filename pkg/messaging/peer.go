package messaging

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// peer is one connection endpoint, quiescence-protected in the peer table
// the same way blockcache protects its block table. id is assigned once at
// creation and carried through logging, since addr alone is ambiguous
// across a reconnect.
type peer struct {
	addr string
	id   string

	connMu sync.Mutex
	conn   net.Conn

	sendQ chan Message
	doneCh chan struct{}

	refs     atomic.Int32
	closed   atomic.Bool
	detached atomic.Bool
	once     sync.Once
}

// newPeer returns a peer whose single starting reference is the hash-table
// presence: a peer exists in the table with one reference attributable to
// that presence, released when the peer is detached on shutdown.
func newPeer(addr string) *peer {
	p := &peer{addr: addr, id: uuid.New().String(), sendQ: make(chan Message, 64), doneCh: make(chan struct{})}
	p.refs.Store(1)
	return p
}

// tryRetain mirrors blockcache's block.tryRetain: a peer's refcount never
// rises again once it has reached zero.
func (p *peer) tryRetain() bool {
	for {
		old := p.refs.Load()
		if old <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// retain adds a reference to a peer the caller already holds live, e.g.
// the creator taking its own reference on top of the table presence one.
func (p *peer) retain() { p.refs.Add(1) }

func (p *peer) release() bool {
	for {
		old := p.refs.Load()
		if old <= 0 {
			panic("messaging: release of peer with no references")
		}
		next := old - 1
		if p.refs.CompareAndSwap(old, next) {
			return next == 0
		}
	}
}

func (p *peer) setConn(c net.Conn) {
	p.connMu.Lock()
	p.conn = c
	p.connMu.Unlock()
}

func (p *peer) getConn() net.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn
}

// shutdown half-closes the connection and marks the peer closed. Idempotent.
func (p *peer) shutdown() {
	p.once.Do(func() {
		p.closed.Store(true)
		if c := p.getConn(); c != nil {
			_ = c.Close()
		}
		close(p.doneCh)
	})
}
