package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(r.entries[ep.TypeName], func(e Endpoint) bool {
		return e.Host == ep.Host && e.Path == ep.Path
	})
	r.entries[ep.TypeName] = append(list, ep)
	r.notify(ep.TypeName)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, typeName, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[typeName] = slices.DeleteFunc(r.entries[typeName], func(e Endpoint) bool {
		return e.Path == path
	})
	r.notify(typeName)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, typeName string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries[typeName]), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, typeName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[typeName] = append(r.watchers[typeName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[typeName] = slices.DeleteFunc(r.watchers[typeName], func(c chan []Endpoint) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// notify must be called with mu held. Slow watchers only see the latest list.
func (r *MemoryRegistry) notify(typeName string) {
	snapshot := slices.Clone(r.entries[typeName])
	for _, ch := range r.watchers[typeName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
