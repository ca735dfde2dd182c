package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	server := New(nil, nil)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close()

	addr := server.listener.Addr().String()

	var mu sync.Mutex
	var got GetBlockCtl
	received := make(chan struct{})

	require.NoError(t, server.RegisterRecv(TypeGetBlock, func(ctx context.Context, p *Peer, msg Message) {
		c, err := UnmarshalGetBlockCtl(msg.Ctl)
		require.NoError(t, err)
		mu.Lock()
		got = c
		mu.Unlock()
		close(received)
	}))

	client := New(nil, nil)
	defer client.Close()

	err := client.Send(context.Background(), addr, Message{
		Type: TypeGetBlock,
		Ctl:  GetBlockCtl{BNR: 99, Access: 0}.Marshal(),
	})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	require.Equal(t, uint64(99), got.BNR)
	mu.Unlock()
}

func TestRegisterRecvRejectsDuplicate(t *testing.T) {
	m := New(nil, nil)
	defer m.Close()

	require.NoError(t, m.RegisterRecv(TypeWriteBlock, func(context.Context, *Peer, Message) {}))
	require.Error(t, m.RegisterRecv(TypeWriteBlock, func(context.Context, *Peer, Message) {}))
}
