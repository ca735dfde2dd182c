// Package messaging implements the peer-to-peer substrate: a
// quiescence-protected peer table, a fixed 8-byte wire header, and a
// per-peer sender/receiver/connector/listener task model over TCP.
package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/ngnfs/corefs/pkg/quiescent"
)

// HandlerFunc processes one dispatched message. The handler runs on the
// peer's receiver task; it must not block indefinitely.
type HandlerFunc func(ctx context.Context, p *Peer, msg Message)

// Peer is the handle a caller holds across Send calls. It wraps the
// internal peer so callers outside this package never see an unexported
// type name.
type Peer struct{ p *peer }

// Addr returns the peer's dial address.
func (p *Peer) Addr() string { return p.p.addr }

// ID returns the peer's connection-scoped identifier, stable across the
// lifetime of one connection but not across a reconnect.
func (p *Peer) ID() string { return p.p.id }

// Messaging owns the peer table, the handler dispatch table, and an
// optional listener for inbound connections.
type Messaging struct {
	log     *slog.Logger
	metrics metrics.Messaging

	domain    *quiescent.Domain
	peers     sync.Map // address -> *peer
	peerCount atomic.Int64

	handlersMu sync.Mutex
	handlers   map[uint8]HandlerFunc

	listener net.Listener

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Messaging. m may be nil; every metrics call site checks
// before using it, since a nil metrics.Messaging interface value cannot
// safely have its methods invoked directly.
func New(log *slog.Logger, m metrics.Messaging) *Messaging {
	if log == nil {
		log = slog.Default()
	}
	return &Messaging{
		log:      log,
		metrics:  m,
		domain:   quiescent.NewDomain(),
		handlers: make(map[uint8]HandlerFunc),
		done:     make(chan struct{}),
	}
}

// RegisterRecv installs the handler for msgType. Duplicate registration is
// an error.
func (m *Messaging) RegisterRecv(msgType uint8, fn HandlerFunc) error {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, exists := m.handlers[msgType]; exists {
		return fmt.Errorf("messaging: type %d already registered", msgType)
	}
	m.handlers[msgType] = fn
	return nil
}

// UnregisterRecv removes the handler for msgType, if any.
func (m *Messaging) UnregisterRecv(msgType uint8) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.handlers, msgType)
}

func (m *Messaging) handlerFor(msgType uint8) (HandlerFunc, bool) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	fn, ok := m.handlers[msgType]
	return fn, ok
}

// resolvePeer finds or creates the peer for addr, mirroring blockcache's
// acquireBlock hash-lookup-then-insert pattern over the quiescent table.
func (m *Messaging) resolvePeer(addr string) *peer {
	g := m.domain.Pin()
	if v, ok := m.peers.Load(addr); ok {
		p := v.(*peer)
		if p.tryRetain() {
			g.Unpin()
			return p
		}
	}
	g.Unpin()

	candidate := newPeer(addr)
	actual, loaded := m.peers.LoadOrStore(addr, candidate)
	p := actual.(*peer)
	if loaded {
		for !p.tryRetain() {
			g2 := m.domain.Pin()
			m.peers.CompareAndDelete(addr, p)
			g2.Unpin()
			return m.resolvePeer(addr)
		}
	} else {
		// The new peer's starting reference is its table presence; take
		// the caller's own on top of it.
		p.retain()
		m.reportPeerCount(m.peerCount.Add(1))
	}
	return p
}

func (m *Messaging) reportPeerCount(n int64) {
	if m.metrics != nil {
		m.metrics.SetPeerCount(int(n))
	}
}

// Send resolves or creates (dialing as the "connector" if necessary) the
// peer for addr and enqueues msg on its sender.
func (m *Messaging) Send(ctx context.Context, addr string, msg Message) error {
	p := m.resolvePeer(addr)
	defer m.release(p)

	if p.getConn() == nil {
		if err := m.connect(ctx, p); err != nil {
			return err
		}
	}

	select {
	case p.sendQ <- msg:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("messaging: peer %s shut down", addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect is the connector task: dial out and start the sender/receiver
// pair. Synchronous here rather than a standing background task, since a
// connection attempt that fails belongs to the caller of Send, not to a
// long-lived goroutine retrying silently; this layer does not retry.
func (m *Messaging) connect(ctx context.Context, p *peer) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return nil
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("messaging: dial %s: %w", p.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	p.conn = conn

	m.startPeerTasks(p)
	return nil
}

// Listen starts the listener task, accepting inbound connections and
// creating a peer per accepted socket. A pre-existing peer for the same
// address is rejected: log and close the new socket rather than silently
// replacing it.
func (m *Messaging) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("messaging: listen %s: %w", addr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go m.listenLoop()
	return nil
}

func (m *Messaging) listenLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				m.log.Error("messaging: accept failed", "error", err)
				return
			}
		}
		m.accept(conn)
	}
}

func (m *Messaging) accept(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	candidate := newPeer(addr)
	actual, loaded := m.peers.LoadOrStore(addr, candidate)
	p := actual.(*peer)
	if loaded {
		m.log.Warn("messaging: rejecting duplicate peer", "addr", addr)
		_ = conn.Close()
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	p.setConn(conn)
	m.reportPeerCount(m.peerCount.Add(1))
	m.log.Info("messaging: accepted peer", "addr", addr, "peer_id", p.id)
	m.startPeerTasks(p)
}

func (m *Messaging) startPeerTasks(p *peer) {
	m.wg.Add(2)
	go m.senderTask(p)
	go m.receiverTask(p)
}

// senderTask drains p's send queue, writing each message as a single
// vectored write (header, ctl, data) over the connected stream socket.
func (m *Messaging) senderTask(p *peer) {
	defer m.wg.Done()
	conn := p.getConn()

	for {
		select {
		case msg, ok := <-p.sendQ:
			if !ok {
				return
			}
			bufs := net.Buffers(msg.Marshal())
			if _, err := bufs.WriteTo(conn); err != nil {
				m.shutdownPeer(p)
				return
			}
			if m.metrics != nil {
				m.metrics.ObserveMessage(msg.Type, false)
			}
		case <-p.doneCh:
			return
		}
	}
}

// receiverTask reads a header, validates it, reads the declared payloads
// into fresh buffers, dispatches by type, then loops.
func (m *Messaging) receiverTask(p *peer) {
	defer m.wg.Done()
	conn := p.getConn()
	ctx := context.Background()

	for {
		hdrBuf := make([]byte, HeaderSize)
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			m.shutdownPeer(p)
			return
		}
		hdr, err := UnmarshalHeader(hdrBuf)
		if err != nil {
			m.log.Warn("messaging: bad header, shutting down peer", "addr", p.addr, "peer_id", p.id, "error", err)
			m.shutdownPeer(p)
			return
		}

		ctl := make([]byte, hdr.CtlSize)
		if _, err := io.ReadFull(conn, ctl); err != nil {
			m.shutdownPeer(p)
			return
		}
		data := make([]byte, hdr.DataSize)
		if _, err := io.ReadFull(conn, data); err != nil {
			m.shutdownPeer(p)
			return
		}

		if got := checksum(ctl, data); got != hdr.CRC {
			m.log.Warn("messaging: checksum mismatch, shutting down peer", "addr", p.addr, "peer_id", p.id, "want", hdr.CRC, "got", got)
			m.shutdownPeer(p)
			return
		}

		fn, ok := m.handlerFor(hdr.Type)
		if !ok {
			m.log.Warn("messaging: no handler, shutting down peer", "addr", p.addr, "peer_id", p.id, "type", hdr.Type)
			m.shutdownPeer(p)
			return
		}
		if m.metrics != nil {
			m.metrics.ObserveMessage(hdr.Type, true)
		}
		fn(ctx, &Peer{p: p}, Message{Type: hdr.Type, Ctl: ctl, Data: data})
	}
}

// shutdownPeer half-closes the peer and detaches it from the table,
// dropping the table-presence reference. Idempotent: the half-close is
// guarded by the peer's own once, the detach by its detached flag.
func (m *Messaging) shutdownPeer(p *peer) {
	p.shutdown()
	if p.detached.CompareAndSwap(false, true) {
		g := m.domain.Pin()
		m.peers.CompareAndDelete(p.addr, p)
		g.Unpin()
		m.reportPeerCount(m.peerCount.Add(-1))
		m.release(p)
	}
}

func (m *Messaging) release(p *peer) {
	// Table removal happens at detach time (shutdownPeer), not here; once
	// the last reference drops the peer's memory is the collector's.
	_ = p.release()
}

// Close shuts down the listener and every peer, then waits for all sender,
// receiver, and listener tasks to exit. Idempotent: a Messaging shared
// between a network transport and a listening server gets closed from both
// shutdown paths.
func (m *Messaging) Close() error {
	var listenErr error
	m.closeOnce.Do(func() {
		close(m.done)

		if m.listener != nil {
			listenErr = m.listener.Close()
		}

		m.peers.Range(func(_, v any) bool {
			m.shutdownPeer(v.(*peer))
			return true
		})

		m.wg.Wait()
	})
	return listenErr
}
