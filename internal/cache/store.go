package cache

import (
	"context"
	"time"

	"github.com/tmardale/coursehub-backend/internal/observability"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// EntryOptions tunes one cached entry.
type EntryOptions struct {
	// TTL overrides the store default when > 0.
	TTL time.Duration
	// Tags index the entry for bulk invalidation.
	Tags []string
}

/*
Store is the read-through cache. Concurrent misses on the same key
collapse onto one compute; the guard timeout bounds how long a caller
waits on that shared compute before falling back to computing on its
own. A broken backend degrades reads to straight compute, it never
blocks them.
*/
type Store struct {
	backend      Backend
	log          *logger.Logger
	metrics      *observability.Metrics
	group        singleflight.Group
	defaultTTL   time.Duration
	guardTimeout time.Duration
}

func NewStore(backend Backend, log *logger.Logger, metrics *observability.Metrics, defaultTTL, guardTimeout time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if guardTimeout <= 0 {
		guardTimeout = 30 * time.Second
	}
	return &Store{
		backend:      backend,
		log:          log,
		metrics:      metrics,
		defaultTTL:   defaultTTL,
		guardTimeout: guardTimeout,
	}
}

// GetOrCompute returns the cached value for key, computing and storing it
// on a miss. The compute result is returned even when the store write
// fails; a stale or absent cache entry is the degraded outcome, not an
// error for the caller.
func (s *Store) GetOrCompute(ctx context.Context, key string, opts EntryOptions, compute ComputeFunc) ([]byte, error) {
	value, found, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache read degraded, computing directly", "key", key, "error", err)
		return compute(ctx)
	}
	if found {
		s.metrics.CacheHit("store")
		return value, nil
	}
	s.metrics.CacheMiss("store")

	ch := s.group.DoChan(key, func() (any, error) {
		// Re-check under the flight: another caller may have stored the
		// value between our miss and winning the flight.
		if v, ok, gerr := s.backend.Get(ctx, key); gerr == nil && ok {
			return v, nil
		}
		v, cerr := compute(ctx)
		if cerr != nil {
			return nil, cerr
		}
		s.store(ctx, key, v, opts)
		return v, nil
	})

	// The guard bounds how long a caller waits on someone else's compute,
	// not the compute itself. A caller that waits it out computes on its
	// own; the in-flight result still lands in the backend when it
	// finishes.
	timer := time.NewTimer(s.guardTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-timer.C:
		s.log.Warn("cache compute guard expired, computing independently", "key", key)
		v, cerr := compute(ctx)
		if cerr != nil {
			return nil, cerr
		}
		s.store(ctx, key, v, opts)
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm computes and stores the entry unconditionally, overwriting any
// current value.
func (s *Store) Warm(ctx context.Context, key string, opts EntryOptions, compute ComputeFunc) error {
	cctx, cancel := context.WithTimeout(ctx, s.guardTimeout)
	defer cancel()
	v, err := compute(cctx)
	if err != nil {
		return err
	}
	s.store(ctx, key, v, opts)
	return nil
}

// WarmEntry is one key in a warmup fanout.
type WarmEntry struct {
	Key     string
	Opts    EntryOptions
	Compute ComputeFunc
}

// WarmMany computes entries concurrently, bounded so a large warmup does
// not starve the source of the computed data. First error wins; already
// stored entries stay stored.
func (s *Store) WarmMany(ctx context.Context, entries []WarmEntry) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			return s.Warm(ctx, e.Key, e.Opts, e.Compute)
		})
	}
	return g.Wait()
}

// InvalidateTags drops every key indexed under any of the tags and
// reports how many keys went.
func (s *Store) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	n, err := s.backend.InvalidateTags(ctx, tags)
	if err != nil {
		s.log.Warn("tag invalidation failed", "tags", tags, "error", err)
		return 0, err
	}
	if n > 0 {
		s.log.Info("cache tags invalidated", "tags", tags, "keys", n)
	}
	s.metrics.CacheInvalidated(n)
	return n, nil
}

// Delete drops explicit keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.backend.Delete(ctx, keys...)
}

func (s *Store) store(ctx context.Context, key string, value []byte, opts EntryOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.backend.Set(ctx, key, value, ttl, opts.Tags); err != nil {
		s.log.Warn("cache write failed, serving computed value", "key", key, "error", err)
	}
}
