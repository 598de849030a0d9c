package statestore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd-backed KV transport.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// EtcdKV is the production KV transport, backed by an etcd cluster. It is
// deliberately thin: Get, Set and Delete are each a single round trip and
// GetMany is one round trip per key, matching the "no transactions are
// required" contract of spec.md §4.1.
type EtcdKV struct {
	client *clientv3.Client
}

// NewEtcdKV dials an etcd cluster and verifies connectivity.
func NewEtcdKV(cfg EtcdConfig) (*EtcdKV, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd not reachable: %w", err)
	}
	return &EtcdKV{client: cli}, nil
}

func (e *EtcdKV) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *EtcdKV) Set(ctx context.Context, key, value string) error {
	_, err := e.client.Put(ctx, key, value)
	return err
}

func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

// GetMany issues one Get per key. etcd has no native multi-get, and
// spec.md §4.1 does not require cross-key atomicity, so a simple loop is
// both correct and the simplest thing that could work.
func (e *EtcdKV) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := e.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Close releases the underlying etcd client connection.
func (e *EtcdKV) Close() error {
	return e.client.Close()
}
