package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
)

// Options tune a Store.
type Options struct {
	Timeout          time.Duration // deadline per operation; 0 means 150ms
	BreakerThreshold uint32        // consecutive failures that open the breaker; 0 means 5
	BreakerCooldown  time.Duration // time the breaker stays open; 0 means 10s
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Store is the degrading cache used by every component. Reads that fail are misses;
// writes that fail report false. Nothing is ever returned as an error.
type Store struct {
	backend Backend
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewStore wraps backend.
func NewStore(backend Backend, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 150 * time.Millisecond
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	log := opts.Logger.With("component", "cache")
	threshold := opts.BreakerThreshold
	settings := gobreaker.Settings{
		Name:        "cache-backend",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// misses and missing primitives are normal answers, not backend faults
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss) || errors.Is(err, ErrUnsupported)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("cache circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Store{
		backend: backend,
		timeout: opts.Timeout,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		log:     log,
		metrics: opts.Metrics,
	}
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// do runs fn under the deadline and breaker, records the outcome and logs real failures.
func (s *Store) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrMiss):
		result = "miss"
	case errors.Is(err, ErrUnsupported):
		result = "unsupported"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "short_circuit"
	default:
		result = "error"
		s.log.WarnContext(ctx, "cache backend failure, treating as miss", "op", op, "key", key, "error", err)
	}
	s.metrics.CacheOperationTotal.WithLabelValues(op, result).Inc()
	return err
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	var v []byte
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		v, err = s.backend.Get(ctx, key)
		return err
	})
	return v, err == nil
}

// Set stores value under key for ttl and reports whether the write landed.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	return s.do(ctx, "set", key, func(ctx context.Context) error {
		return s.backend.Set(ctx, key, value, ttl)
	}) == nil
}

// SetNX stores value only if key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	var created bool
	err := s.do(ctx, "setnx", key, func(ctx context.Context) error {
		var err error
		created, err = s.backend.SetNX(ctx, key, value, ttl)
		return err
	})
	return err == nil && created
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	return s.do(ctx, "delete", keys[0], func(ctx context.Context) error {
		return s.backend.Delete(ctx, keys...)
	}) == nil
}

// GetInt reads a decimal integer. Unparseable values are misses.
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool) {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		s.log.WarnContext(ctx, "cache value is not an integer", "key", key)
		return 0, false
	}
	return n, true
}

// SetInt stores n as a decimal integer.
func (s *Store) SetInt(ctx context.Context, key string, n int64, ttl time.Duration) bool {
	return s.Set(ctx, key, []byte(strconv.FormatInt(n, 10)), ttl)
}

// SetIntNX stores n only if key is absent.
func (s *Store) SetIntNX(ctx context.Context, key string, n int64, ttl time.Duration) bool {
	return s.SetNX(ctx, key, []byte(strconv.FormatInt(n, 10)), ttl)
}

// GetBool reads a boolean stored by SetBool.
func (s *Store) GetBool(ctx context.Context, key string) (value bool, found bool) {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false, false
	}
	switch string(raw) {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

// SetBool stores a boolean.
func (s *Store) SetBool(ctx context.Context, key string, v bool, ttl time.Duration) bool {
	raw := []byte("0")
	if v {
		raw = []byte("1")
	}
	return s.Set(ctx, key, raw, ttl)
}

// GetJSON decodes the JSON value under key into dst.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.WarnContext(ctx, "cache value is not valid JSON", "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON stores v encoded as JSON.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.WarnContext(ctx, "cache value could not be encoded", "key", key, "error", err)
		return false
	}
	return s.Set(ctx, key, raw, ttl)
}

// Incr atomically increments key where the backend supports it, otherwise it
// reads, adds one and writes back with ttl (concurrent increments may be lost).
// Every successful increment re-arms ttl.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	var n int64
	err := s.do(ctx, "incr", key, func(ctx context.Context) error {
		var err error
		n, err = s.backend.Incr(ctx, key)
		return err
	})
	switch {
	case err == nil:
		s.expire(ctx, key, ttl)
		return n, true
	case errors.Is(err, ErrUnsupported):
		var raw []byte
		err := s.do(ctx, "get", key, func(ctx context.Context) error {
			var err error
			raw, err = s.backend.Get(ctx, key)
			return err
		})
		var cur int64
		switch {
		case err == nil:
			if cur, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
				return 0, false
			}
		case !errors.Is(err, ErrMiss):
			// an unreadable counter must not restart from zero
			return 0, false
		}
		if !s.SetInt(ctx, key, cur+1, ttl) {
			return 0, false
		}
		return cur + 1, true
	default:
		return 0, false
	}
}

// AddToSet adds member to the set at key and (re)arms its ttl. Backends without
// native sets keep the members as one JSON array value.
func (s *Store) AddToSet(ctx context.Context, key, member string, ttl time.Duration) bool {
	err := s.do(ctx, "sadd", key, func(ctx context.Context) error {
		return s.backend.SetAdd(ctx, key, member)
	})
	switch {
	case err == nil:
		s.expire(ctx, key, ttl)
		return true
	case errors.Is(err, ErrUnsupported):
		var members []string
		s.GetJSON(ctx, key, &members)
		for _, m := range members {
			if m == member {
				return s.SetJSON(ctx, key, members, ttl)
			}
		}
		return s.SetJSON(ctx, key, append(members, member), ttl)
	default:
		return false
	}
}

// Members returns the members of the set at key; nil on miss or failure.
func (s *Store) Members(ctx context.Context, key string) []string {
	var members []string
	err := s.do(ctx, "smembers", key, func(ctx context.Context) error {
		var err error
		members, err = s.backend.SetMembers(ctx, key)
		return err
	})
	switch {
	case err == nil:
		return members
	case errors.Is(err, ErrUnsupported):
		var fallback []string
		if !s.GetJSON(ctx, key, &fallback) {
			return nil
		}
		return fallback
	default:
		return nil
	}
}

func (s *Store) expire(ctx context.Context, key string, ttl time.Duration) {
	_ = s.do(ctx, "expire", key, func(ctx context.Context) error {
		return s.backend.Expire(ctx, key, ttl)
	})
}

// Ping checks the backend directly, bypassing the breaker, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
