package pagepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsFullSizePage(t *testing.T) {
	p := New()
	page := p.Get()
	require.Len(t, page.Bytes(), Size)
}

func TestAlignment(t *testing.T) {
	p := New()
	page := p.Get()
	require.Zero(t, uintptrOf(page.Bytes())%alignment)
}

func TestRetainKeepsPageAliveUntilLastRelease(t *testing.T) {
	p := New()
	page := p.Get()
	buf := page.Bytes()
	buf[0] = 0xAB

	page.Retain()
	page.Release() // refs: 2 -> 1, still alive
	require.Equal(t, byte(0xAB), page.Bytes()[0])

	page.Release() // refs: 1 -> 0, returned to pool
}
