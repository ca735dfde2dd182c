package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// InitRegistry/IsEnabled/GetRegistry are not defined anywhere in dittofs's
// retrieved pkg/metrics despite pkg/metrics/prometheus/*.go calling them —
// the retrieval pack is a partial snapshot. This file supplies the missing
// piece, grounded on the call sites' observed contract: a process-wide
// registry that starts disabled, and every constructor that returns nil
// until InitRegistry is called.
var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection for the process. Safe to call
// more than once; subsequent calls are no-ops.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
