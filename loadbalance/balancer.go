// Package loadbalance picks one listener when the endpoint directory knows
// several for a type.
//
// Three strategies are implemented:
//   - RoundRobin:      equal listeners, spread calls evenly
//   - WeightedRandom:  listeners advertise different weights
//   - ConsistentHash:  a client sticks to one listener for a given key
package loadbalance

import "mini-ipc/registry"

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call; it must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns the balancer for a configured strategy name. Unknown names
// fall back to round robin.
func ByName(name, key string) Balancer {
	switch name {
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "hash", "ConsistentHash":
		return NewConsistentHashBalancer(key)
	default:
		return &RoundRobinBalancer{}
	}
}
