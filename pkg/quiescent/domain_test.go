package quiescent

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeferRunsAfterUnpin(t *testing.T) {
	d := NewDomain()
	g := d.Pin()

	var ran atomic.Bool
	d.Defer(func() { ran.Store(true) })

	require.False(t, ran.Load(), "garbage must not run while a reader is pinned")

	g.Unpin()
	require.True(t, ran.Load(), "garbage must run once the pinning reader unpins")
}

func TestDeferWithNoReadersRunsImmediately(t *testing.T) {
	d := NewDomain()

	var ran atomic.Bool
	d.Defer(func() { ran.Store(true) })
	require.True(t, ran.Load())
}
