package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mini-ipc/errs"
	"mini-ipc/registry"
)

// ConsistentHashBalancer maps a fixed key onto a hash ring of endpoints, so a
// client keeps talking to the same listener while the endpoint set is stable
// and only moves when its listener disappears.
//
// Each endpoint gets replicas virtual nodes, hashed from "{host}{path}#{i}".
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	ident string // endpoint set the ring was built from
	ring  []uint32
	nodes map[uint32]registry.Endpoint
}

// NewConsistentHashBalancer creates a balancer for key with 100 virtual nodes
// per endpoint.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

func endpointID(ep registry.Endpoint) string { return ep.Host + ep.Path }

// rebuild must be called with mu held.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	ids := make([]string, len(endpoints))
	for i, ep := range endpoints {
		ids[i] = endpointID(ep)
	}
	slices.Sort(ids)
	ident := strings.Join(ids, "\x00")
	if ident == b.ident && b.ring != nil {
		return
	}

	b.ident = ident
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", endpointID(ep), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	slices.Sort(b.ring)
}

// Pick returns the first ring node at or after the key's hash, wrapping
// around past the largest.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errs.ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
