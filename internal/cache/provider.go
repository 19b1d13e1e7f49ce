package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider is the key/value store used to persist last-good snapshots across restarts.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	MaxEntries int
	Valkey     ValkeyConfig
}

// New builds the provider named by opts.Backend. An empty backend disables caching.
func New(opts Options) (Provider, error) {
	switch opts.Backend {
	case "", BackendNone:
		return NoopProvider{}, nil
	case BackendMemory:
		return NewMemoryProvider(opts.MaxEntries), nil
	case BackendValkey:
		return NewValkeyProvider(opts.Valkey)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Ping(context.Context) error { return nil }

func (NoopProvider) Close() error { return nil }
