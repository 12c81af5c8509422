// Package registry is the endpoint directory: listeners publish the socket
// they serve under their type name, clients look it up instead of computing
// the default path.
package registry

import (
	"context"

	"go.uber.org/zap"

	"mini-ipc/config"
)

// Endpoint is one listener serving a type on this host.
type Endpoint struct {
	TypeName string `json:"type_name"`
	Path     string `json:"path"`
	Host     string `json:"host"`
	PID      int    `json:"pid"`
	Weight   int    `json:"weight"` // Weight for load balancing
}

type Registry interface {
	Register(ctx context.Context, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, typeName, path string) error
	Discover(ctx context.Context, typeName string) ([]Endpoint, error)
	Watch(ctx context.Context, typeName string) <-chan []Endpoint
}

// FromConfig opens the etcd directory described by cfg. It returns nil when
// no etcd endpoints are configured.
func FromConfig(cfg config.DirectoryConfig, logger *zap.Logger) (*EtcdRegistry, error) {
	if len(cfg.Etcd) == 0 {
		return nil, nil
	}
	return NewEtcdRegistry(cfg.Etcd, cfg.DialTimeout, logger)
}
