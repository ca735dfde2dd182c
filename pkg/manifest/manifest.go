// Package manifest resolves which peer currently owns a block: the server
// index is bnr mod N over a flat list of servers.
package manifest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ngnfs/corefs/pkg/blockcache"
	"golang.org/x/sync/singleflight"
)

// Server identifies one block-storage peer by its dial address.
type Server struct {
	Index   int
	Address string
}

// Snapshot is an immutable mapping epoch. A manifest always hands out a
// Snapshot rather than letting callers read live internal state, so a
// concurrent refresh never changes the answer a caller is mid-way through
// using.
type Snapshot struct {
	epoch   uint64
	servers []Server
}

// Epoch identifies this snapshot for staleness comparisons.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// ServerFor returns the server owning bnr under this snapshot.
func (s *Snapshot) ServerFor(bnr blockcache.BlockNumber) (Server, error) {
	if len(s.servers) == 0 {
		return Server{}, fmt.Errorf("manifest: empty snapshot")
	}
	return s.servers[uint64(bnr)%uint64(len(s.servers))], nil
}

// Source fetches the current server list, e.g. from a control-plane RPC or
// a static config file watch. Implementations must be safe for concurrent
// calls; Manifest deduplicates concurrent refreshes on its own.
type Source interface {
	Fetch(ctx context.Context) ([]Server, error)
}

// StaticSource is a Source fixed at construction, used for local devd
// deployments that specify peers directly in config.
type StaticSource []Server

func (s StaticSource) Fetch(ctx context.Context) ([]Server, error) {
	return []Server(s), nil
}

// Manifest holds the current Snapshot and refreshes it from a Source on
// demand. Concurrent Refresh calls collapse into one Fetch via
// singleflight, the same pattern the example corpus uses to deduplicate
// concurrent cache-fill work.
type Manifest struct {
	source Source

	mu   sync.RWMutex
	snap *Snapshot

	epochGen atomic.Uint64
	group    singleflight.Group
}

func New(source Source) *Manifest {
	return &Manifest{source: source, snap: &Snapshot{}}
}

// Current returns the most recently fetched Snapshot, which may be empty if
// Refresh has never succeeded.
func (m *Manifest) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Refresh fetches a new server list and installs it as the current
// Snapshot. Concurrent callers share one Fetch and one installed Snapshot.
func (m *Manifest) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		servers, err := m.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		snap := &Snapshot{epoch: m.epochGen.Add(1), servers: servers}

		m.mu.Lock()
		m.snap = snap
		m.mu.Unlock()

		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// ServerFor resolves bnr against the current snapshot without blocking on a
// refresh. Callers that need a guaranteed-fresh mapping should Refresh
// first.
func (m *Manifest) ServerFor(bnr blockcache.BlockNumber) (Server, error) {
	return m.Current().ServerFor(bnr)
}
