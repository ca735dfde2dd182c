package network

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/messaging"
)

// Serve registers GET_BLOCK and WRITE_BLOCK handlers on msg that answer out
// of cache, the devd side of the client-devd exchange.
func Serve(msg *messaging.Messaging, cache *blockcache.Cache, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	s := &server{msg: msg, cache: cache, log: log}

	if err := msg.RegisterRecv(messaging.TypeGetBlock, s.handleGetBlock); err != nil {
		return err
	}
	return msg.RegisterRecv(messaging.TypeWriteBlock, s.handleWriteBlock)
}

type server struct {
	msg   *messaging.Messaging
	cache *blockcache.Cache
	log   *slog.Logger
}

func (s *server) handleGetBlock(ctx context.Context, p *messaging.Peer, msg messaging.Message) {
	c, err := messaging.UnmarshalGetBlockCtl(msg.Ctl)
	if err != nil {
		s.log.Warn("network: bad GET_BLOCK ctl", "error", err)
		return
	}
	bnr := blockcache.BlockNumber(c.BNR)

	intent := blockcache.IntentRead
	if c.Access == 1 {
		intent = blockcache.IntentWrite
	}

	r, err := s.cache.Acquire(ctx, bnr, intent)
	if err != nil {
		s.reply(ctx, p, bnr, c.Access, err)
		return
	}
	defer s.cache.Release(r)

	s.sendResult(ctx, p, bnr, c.Access, messaging.WireOK, r.Buffer())
}

func (s *server) handleWriteBlock(ctx context.Context, p *messaging.Peer, msg messaging.Message) {
	c, err := messaging.UnmarshalWriteBlockCtl(msg.Ctl)
	if err != nil {
		s.log.Warn("network: bad WRITE_BLOCK ctl", "error", err)
		return
	}
	bnr := blockcache.BlockNumber(c.BNR)

	r, err := s.cache.Acquire(ctx, bnr, blockcache.IntentNew|blockcache.IntentWrite)
	if err != nil {
		s.replyWrite(ctx, p, bnr, err)
		return
	}

	set, err := s.cache.DirtyBegin(ctx, []*blockcache.Ref{r})
	if err != nil {
		s.cache.Release(r)
		s.replyWrite(ctx, p, bnr, err)
		return
	}
	copy(r.Buffer(), msg.Data)
	s.cache.DirtyEnd(set)
	s.cache.Release(r)

	s.replyWrite(ctx, p, bnr, nil)
}

func (s *server) reply(ctx context.Context, p *messaging.Peer, bnr blockcache.BlockNumber, access uint8, err error) {
	s.sendResult(ctx, p, bnr, access, wireErrFor(err), nil)
}

func (s *server) sendResult(ctx context.Context, p *messaging.Peer, bnr blockcache.BlockNumber, access uint8, wireErr messaging.WireErr, data []byte) {
	ctl := messaging.GetBlockResultCtl{BNR: uint64(bnr), Access: access, Err: wireErr}.Marshal()
	msg := messaging.Message{Type: messaging.TypeGetBlockResult, Ctl: ctl}
	if wireErr == messaging.WireOK {
		msg.Data = append([]byte(nil), data...)
	}
	if err := s.sendTo(ctx, p, msg); err != nil {
		s.log.Warn("network: reply failed", "addr", p.Addr(), "error", err)
	}
}

func (s *server) replyWrite(ctx context.Context, p *messaging.Peer, bnr blockcache.BlockNumber, err error) {
	ctl := messaging.WriteBlockResultCtl{BNR: uint64(bnr), Err: wireErrFor(err)}.Marshal()
	msg := messaging.Message{Type: messaging.TypeWriteBlockResult, Ctl: ctl}
	if sendErr := s.sendTo(ctx, p, msg); sendErr != nil {
		s.log.Warn("network: reply failed", "addr", p.Addr(), "error", sendErr)
	}
}

// sendTo replies on the same Messaging the handler was registered on,
// addressed back to the peer that sent the request. Peer exposes only
// Addr() and ID(), no write method; a reply re-resolves (or reuses) that peer's
// connection through Messaging.Send rather than writing on Peer directly.
func (s *server) sendTo(ctx context.Context, p *messaging.Peer, msg messaging.Message) error {
	return s.msg.Send(ctx, p.Addr(), msg)
}

func wireErrFor(err error) messaging.WireErr {
	switch {
	case err == nil:
		return messaging.WireOK
	case errors.Is(err, blockcache.ErrIO):
		return messaging.WireIO
	case errors.Is(err, blockcache.ErrNoMemory):
		return messaging.WireNoMemory
	default:
		return messaging.WireUnknown
	}
}
