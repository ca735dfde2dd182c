package local

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"github.com/ngnfs/corefs/pkg/pagepool"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*pagepool.Size))
	require.NoError(t, f.Close())

	var mu sync.Mutex
	completions := map[blockcache.BlockNumber]error{}
	var wg sync.WaitGroup

	endIO := func(bnr blockcache.BlockNumber, fresh *pagepool.Page, err error) {
		mu.Lock()
		completions[bnr] = err
		mu.Unlock()
		wg.Done()
	}

	tr, err := Open(path, 4, endIO, nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	pool := pagepool.New()
	page := pool.Get()
	copy(page.Bytes(), []byte("round-trip"))

	wg.Add(1)
	require.NoError(t, tr.SubmitBlock(context.Background(), blockcache.OpWrite, 3, page))
	waitDone(t, &wg)

	mu.Lock()
	require.NoError(t, completions[3])
	mu.Unlock()

	readPage := pool.Get()
	wg.Add(1)
	require.NoError(t, tr.SubmitBlock(context.Background(), blockcache.OpGetRead, 3, readPage))
	waitDone(t, &wg)

	require.Equal(t, "round-trip", string(readPage.Bytes()[:len("round-trip")]))
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
