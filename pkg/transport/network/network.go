// Package network implements a blockcache.Transport that submits block
// I/O as messages to whichever peer the manifest currently maps a block to.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/manifest"
	"github.com/ngnfs/corefs/pkg/messaging"
	"github.com/ngnfs/corefs/pkg/metrics"
	"github.com/ngnfs/corefs/pkg/pagepool"
)

// EndIOFunc matches blockcache.Cache.EndIO.
type EndIOFunc func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error)

// Transport resolves each block's owning peer through a manifest.Manifest
// and submits GET_BLOCK/WRITE_BLOCK messages over a messaging.Messaging,
// completing the cache's pending I/O from the matching *_RESULT message.
type Transport struct {
	msg      *messaging.Messaging
	mf       *manifest.Manifest
	endIO    EndIOFunc
	metrics  metrics.Transport
	depth    int
	pendingR sync.Map // BlockNumber -> *pagepool.Page
	pendingW sync.Map // BlockNumber -> struct{}
}

// New registers the result handlers on msg and returns a Transport ready
// to submit against servers resolved from mf. m is optional and may be
// nil.
func New(msg *messaging.Messaging, mf *manifest.Manifest, queueDepth int, endIO EndIOFunc, m metrics.Transport) (*Transport, error) {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	t := &Transport{msg: msg, mf: mf, endIO: endIO, metrics: m, depth: queueDepth}
	if m != nil {
		m.SetQueueDepth(queueDepth)
	}

	if err := msg.RegisterRecv(messaging.TypeGetBlockResult, t.onGetBlockResult); err != nil {
		return nil, err
	}
	if err := msg.RegisterRecv(messaging.TypeWriteBlockResult, t.onWriteBlockResult); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) QueueDepth() int { return t.depth }

// SubmitBlock resolves bnr's owning server from the current manifest
// snapshot and sends the corresponding request message.
func (t *Transport) SubmitBlock(ctx context.Context, op blockcache.Op, bnr blockcache.BlockNumber, page *pagepool.Page) error {
	srv, err := t.mf.ServerFor(bnr)
	if err != nil {
		return fmt.Errorf("network: resolve server for bnr %s: %w", bnr, err)
	}

	switch op {
	case blockcache.OpGetRead, blockcache.OpGetWrite:
		access := uint8(0)
		if op == blockcache.OpGetWrite {
			access = 1
		}
		t.pendingR.Store(bnr, page)
		return t.msg.Send(ctx, srv.Address, messaging.Message{
			Type: messaging.TypeGetBlock,
			Ctl:  messaging.GetBlockCtl{BNR: uint64(bnr), Access: access}.Marshal(),
		})

	case blockcache.OpWrite:
		t.pendingW.Store(bnr, struct{}{})
		return t.msg.Send(ctx, srv.Address, messaging.Message{
			Type: messaging.TypeWriteBlock,
			Ctl:  messaging.WriteBlockCtl{BNR: uint64(bnr)}.Marshal(),
			Data: append([]byte(nil), page.Bytes()...),
		})

	default:
		return blockcache.ErrNotSupported
	}
}

func (t *Transport) onGetBlockResult(ctx context.Context, p *messaging.Peer, msg messaging.Message) {
	c, err := messaging.UnmarshalGetBlockResultCtl(msg.Ctl)
	if err != nil {
		return
	}
	bnr := blockcache.BlockNumber(c.BNR)

	v, ok := t.pendingR.LoadAndDelete(bnr)
	if !ok {
		return // no in-flight read for this bnr; this layer does not retry
	}
	page := v.(*pagepool.Page)

	if c.Err != messaging.WireOK {
		err := mapWireErr(c.Err)
		t.observeSubmit(blockcache.OpGetRead, err)
		t.endIO(bnr, nil, err)
		return
	}
	copy(page.Bytes(), msg.Data)
	t.observeSubmit(blockcache.OpGetRead, nil)
	t.endIO(bnr, nil, nil)
}

func (t *Transport) observeSubmit(op blockcache.Op, err error) {
	if t.metrics != nil {
		t.metrics.ObserveSubmit(op.String(), err)
	}
}

func (t *Transport) onWriteBlockResult(ctx context.Context, p *messaging.Peer, msg messaging.Message) {
	c, err := messaging.UnmarshalWriteBlockResultCtl(msg.Ctl)
	if err != nil {
		return
	}
	bnr := blockcache.BlockNumber(c.BNR)

	if _, ok := t.pendingW.LoadAndDelete(bnr); !ok {
		return
	}

	var ioErr error
	if c.Err != messaging.WireOK {
		ioErr = mapWireErr(c.Err)
	}
	t.observeSubmit(blockcache.OpWrite, ioErr)
	t.endIO(bnr, nil, ioErr)
}

func mapWireErr(e messaging.WireErr) error {
	switch e {
	case messaging.WireIO:
		return blockcache.ErrIO
	case messaging.WireNoMemory:
		return blockcache.ErrNoMemory
	default:
		return blockcache.ErrProtocol
	}
}

// Shutdown closes the underlying messaging substrate.
func (t *Transport) Shutdown() error {
	return t.msg.Close()
}
