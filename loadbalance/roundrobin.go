package loadbalance

import (
	"sync/atomic"

	"mini-ipc/errs"
	"mini-ipc/registry"
)

// RoundRobinBalancer distributes calls evenly across all endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errs.ErrNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
