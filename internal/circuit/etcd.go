package circuit

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/circuitproxy/circuitproxy/internal/config"
)

// EtcdKV is the etcd-backed KV store Traefik watches
type EtcdKV struct {
	client    *clientv3.Client
	namespace string
}

// NewEtcdKV connects to the etcd cluster from the propagation configuration.
// All keys are placed under cfg.Namespace, which must match the root key of
// Traefik's etcd provider.
func NewEtcdKV(cfg config.EtcdConfig) (*EtcdKV, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("circuit: connect etcd: %w", err)
	}
	return &EtcdKV{
		client:    client,
		namespace: strings.TrimSuffix(cfg.Namespace, "/"),
	}, nil
}

func (e *EtcdKV) mangle(key string) string {
	if e.namespace == "" {
		return key
	}
	return e.namespace + "/" + key
}

// Put stores the value under key
func (e *EtcdKV) Put(ctx context.Context, key, value string) error {
	if _, err := e.client.Put(ctx, e.mangle(key), value); err != nil {
		return fmt.Errorf("circuit: etcd put %s: %w", key, err)
	}
	return nil
}

// GetPrefix returns all keys sharing the prefix, with the namespace stripped
func (e *EtcdKV) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := e.client.Get(ctx, e.mangle(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("circuit: etcd get prefix %s: %w", prefix, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if e.namespace != "" {
			key = strings.TrimPrefix(key, e.namespace+"/")
		}
		out[key] = string(kv.Value)
	}
	return out, nil
}

// DeletePrefix removes all keys sharing the prefix
func (e *EtcdKV) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := e.client.Delete(ctx, e.mangle(prefix), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("circuit: etcd delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Close releases the etcd client
func (e *EtcdKV) Close() error {
	return e.client.Close()
}
