package network

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/manifest"
	"github.com/ngnfs/corefs/pkg/messaging"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/ngnfs/corefs/pkg/transport/local"
	"github.com/stretchr/testify/require"
)

const testListenAddr = "127.0.0.1:18473"

func TestSubmitBlockRoundTripsOverTheWire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*pagepool.Size))
	require.NoError(t, f.Close())

	var serverCache *blockcache.Cache
	serverEndIO := func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error) {
		serverCache.EndIO(bnr, fresh, err)
	}
	lt, err := local.Open(path, 4, local.EndIOFunc(serverEndIO), nil)
	require.NoError(t, err)
	serverCache = blockcache.New(lt, blockcache.DefaultConfig(), nil)
	defer serverCache.Close()

	serverMsg := messaging.New(nil, nil)
	require.NoError(t, serverMsg.Listen(testListenAddr))
	defer serverMsg.Close()
	require.NoError(t, Serve(serverMsg, serverCache, nil))

	clientMsg := messaging.New(nil, nil)
	defer clientMsg.Close()
	mf := manifest.New(manifest.StaticSource{{Index: 0, Address: testListenAddr}})
	_, err = mf.Refresh(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	completions := map[blockcache.BlockNumber]error{}
	var wg sync.WaitGroup
	endIO := func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error) {
		mu.Lock()
		completions[bnr] = err
		mu.Unlock()
		wg.Done()
	}

	tr, err := New(clientMsg, mf, 4, EndIOFunc(endIO), nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	pool := pagepool.New()
	writePage := pool.Get()
	copy(writePage.Bytes(), []byte("over-the-wire"))

	wg.Add(1)
	require.NoError(t, tr.SubmitBlock(context.Background(), blockcache.OpWrite, 5, writePage))
	waitForCompletion(t, &wg)

	mu.Lock()
	require.NoError(t, completions[5])
	mu.Unlock()

	readPage := pool.Get()
	wg.Add(1)
	require.NoError(t, tr.SubmitBlock(context.Background(), blockcache.OpGetRead, 5, readPage))
	waitForCompletion(t, &wg)

	mu.Lock()
	require.NoError(t, completions[5])
	mu.Unlock()
	require.Equal(t, "over-the-wire", string(readPage.Bytes()[:len("over-the-wire")]))
}

func waitForCompletion(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
