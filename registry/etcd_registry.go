// Package registry provides the etcd-based implementation of the Registry interface.
//
//	Key:   /mini-ipc/{TypeName}/{Host}{Path}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if a listener dies without deregistering,
// the lease expires and the entry is removed.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/mini-ipc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // keyed by etcd key
}

// lease is a granted lease and the cancel func of its KeepAlive.
type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
// Creating the client does not contact etcd; the first operation does.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]lease)}, nil
}

func endpointKey(typeName, host, path string) string {
	return keyPrefix + typeName + "/" + host + path
}

func typePrefix(typeName string) string {
	return keyPrefix + typeName + "/"
}

// Register publishes ep under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close. Registering the same endpoint again replaces its
// lease.
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	key := endpointKey(ep.TypeName, ep.Host, ep.Path)
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		r.client.Revoke(ctx, grant.ID)
		return err
	}

	// KeepAlive outlives the registration call; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		r.client.Revoke(ctx, grant.ID)
		return err
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		r.release(ctx, old)
	}
	r.logger.Info("endpoint registered", zap.String("type", ep.TypeName), zap.String("path", ep.Path), zap.Int64("ttl", ttl))
	return nil
}

// release stops the KeepAlive of l and revokes it, which deletes its keys.
func (r *EtcdRegistry) release(ctx context.Context, l lease) error {
	l.cancel()
	_, err := r.client.Revoke(ctx, l.id)
	return err
}

// Deregister removes every entry for path under typeName and revokes the
// leases this registry holds for them.
func (r *EtcdRegistry) Deregister(ctx context.Context, typeName, path string) error {
	eps, err := r.Discover(ctx, typeName)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep.Path != path {
			continue
		}
		key := endpointKey(typeName, ep.Host, ep.Path)
		r.mu.Lock()
		l, ok := r.leases[key]
		delete(r.leases, key)
		r.mu.Unlock()
		if ok {
			if err := r.release(ctx, l); err != nil {
				return err
			}
		}
		if _, err := r.client.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Discover returns all currently registered endpoints for typeName.
func (r *EtcdRegistry) Discover(ctx context.Context, typeName string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, typePrefix(typeName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full endpoint list for typeName after every change, until
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, typeName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, typePrefix(typeName), clientv3.WithPrefix()) {
			// Re-fetching is simpler than applying individual events.
			eps, err := r.Discover(ctx, typeName)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every KeepAlive and closes the client. Leases left behind
// expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
