// Package sizecache caches entity sizes and browse counts in two tiers: an
// in-process LRU in front of the shared Redis store. Concurrent misses on the
// same key are coalesced into one upstream lookup.
package sizecache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/ral-facilities/datagateway-go/internal/cache"
	"github.com/ral-facilities/datagateway-go/internal/cache/keys"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
)

type SizeFunc func(ctx context.Context, t model.EntityType, id int64) (int64, error)

type CountFunc func(ctx context.Context) (int64, error)

type Options struct {
	Facility  string
	TTL       time.Duration
	CountTTL  time.Duration
	L1Size    int
	OpTimeout time.Duration
}

// prefixDeleter is implemented by stores that can purge a key range.
type prefixDeleter interface {
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

type Cache struct {
	logger *slog.Logger
	l2     cache.Interface
	opts   Options

	sizes  *expirable.LRU[string, int64]
	counts *expirable.LRU[string, int64]
	sf     singleflight.Group
}

// New builds a cache; a nil l2 keeps everything in process.
func New(l2 cache.Interface, logger *slog.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.CountTTL <= 0 {
		opts.CountTTL = time.Minute
	}
	if opts.L1Size <= 0 {
		opts.L1Size = 4096
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		logger: logger,
		l2:     l2,
		opts:   opts,
		sizes:  expirable.NewLRU[string, int64](opts.L1Size, nil, opts.TTL),
		counts: expirable.NewLRU[string, int64](opts.L1Size, nil, opts.CountTTL),
	}
}

// Size returns the cached size of an entity, calling fetch on a miss.
// Unknown sizes and errors are never stored.
func (c *Cache) Size(ctx context.Context, t model.EntityType, id int64, fetch SizeFunc) (int64, error) {
	key := keys.SizeKey(c.opts.Facility, t, id)
	return c.get(ctx, key, c.sizes, c.opts.TTL, func(ctx context.Context) (int64, error) {
		return fetch(ctx, t, id)
	})
}

// Count returns a cached browse count for entity filtered by where.
func (c *Cache) Count(ctx context.Context, entity string, where []string, fetch CountFunc) (int64, error) {
	key := keys.CountKey(c.opts.Facility, entity, where)
	return c.get(ctx, key, c.counts, c.opts.CountTTL, fetch)
}

func (c *Cache) get(ctx context.Context, key string, l1 *expirable.LRU[string, int64], ttl time.Duration, fetch CountFunc) (int64, error) {
	if n, ok := l1.Get(key); ok {
		observability.IncSizeCache("l1", "hit")
		return n, nil
	}
	observability.IncSizeCache("l1", "miss")

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if n, ok := l1.Get(key); ok {
			return n, nil
		}
		if n, ok := c.readL2(ctx, key); ok {
			l1.Add(key, n)
			return n, nil
		}
		n, err := fetch(ctx)
		if err != nil {
			observability.IncSizeCache("origin", "error")
			return int64(0), err
		}
		observability.IncSizeCache("origin", "ok")
		if n >= 0 {
			l1.Add(key, n)
			c.writeL2(ctx, key, n, ttl)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, errors.New("sizecache: unexpected result type")
	}
	return n, nil
}

func (c *Cache) readL2(ctx context.Context, key string) (int64, bool) {
	if c.l2 == nil {
		return 0, false
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	got, err := c.l2.MGet(cctx, []string{key})
	if err != nil {
		observability.IncSizeCache("l2", "error")
		c.logger.DebugContext(ctx, "size cache read failed", "key", key, "err", err)
		return 0, false
	}
	raw, ok := got[key]
	if !ok {
		observability.IncSizeCache("l2", "miss")
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		observability.IncSizeCache("l2", "error")
		c.logger.WarnContext(ctx, "size cache holds a non-numeric value", "key", key)
		return 0, false
	}
	observability.IncSizeCache("l2", "hit")
	return n, true
}

func (c *Cache) writeL2(ctx context.Context, key string, n int64, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.l2.Set(cctx, key, []byte(strconv.FormatInt(n, 10)), ttl); err != nil {
		c.logger.DebugContext(ctx, "size cache write failed", "key", key, "err", err)
	}
}

// Evict drops the cached size of an entity from both tiers.
func (c *Cache) Evict(ctx context.Context, t model.EntityType, id int64) error {
	key := keys.SizeKey(c.opts.Facility, t, id)
	c.sizes.Remove(key)
	if c.l2 == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.l2.Del(cctx, key)
}

// EvictCounts drops every cached count of an entity collection. The shared
// tier is only purged when the store supports prefix deletes; otherwise
// entries there age out after CountTTL.
func (c *Cache) EvictCounts(ctx context.Context, entity string) error {
	prefix := keys.CountPrefix(c.opts.Facility, entity)
	for _, k := range c.counts.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.counts.Remove(k)
		}
	}
	pd, ok := c.l2.(prefixDeleter)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	_, err := pd.DelPrefix(cctx, prefix)
	return err
}

func (c *Cache) Facility() string { return c.opts.Facility }
