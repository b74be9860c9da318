// Package cache provides the versioned key/value store shared by the gateway components.
//
// A Backend is the raw store (Redis or an in-process TTL cache). Store wraps a Backend
// with a per-operation deadline and a circuit breaker, and turns every backend failure
// into a miss so callers never see cache errors.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned by a Backend when the key does not exist or has expired.
	ErrMiss = errors.New("cache miss")
	// ErrUnsupported is returned by a Backend that lacks a native primitive.
	ErrUnsupported = errors.New("operation not supported by cache backend")
)

// Backend is a TTL key/value store. Counter and set operations are optional:
// a backend without them returns ErrUnsupported and Store falls back to
// read-modify-write over plain values.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error

	Incr(ctx context.Context, key string) (int64, error)
	SetAdd(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
