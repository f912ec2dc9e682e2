package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix              = "digest:transcript:"
	DefaultTTL             = 24 * time.Hour
	DefaultMaxEntries      = 1000
	defaultCleanupInterval = 10 * time.Minute
)

// Entry is a cached transcript and where it came from.
type Entry struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

type item struct {
	data      []byte
	expiresAt time.Time
}

// Tiered caches transcripts in memory (L1) and, when configured, in Redis
// (L2). L1 is lost on restart; L2 survives it. Failures are logged and
// treated as misses.
type Tiered struct {
	l1         sync.Map // key → *item
	rdb        *redis.Client
	ttl        time.Duration
	maxEntries int
	log        *slog.Logger
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a Tiered cache. redisURL may be empty to disable L2; an
// invalid or unreachable Redis also disables it.
func New(ctx context.Context, redisURL string, ttl time.Duration, maxEntries int, log *slog.Logger) *Tiered {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Tiered{ttl: ttl, maxEntries: maxEntries, log: log, now: time.Now}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn("cache: invalid redis URL, L2 disabled", slog.String("error", err.Error()))
		} else {
			rdb := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				log.Warn("cache: redis unreachable, L2 disabled", slog.String("error", err.Error()))
				rdb.Close()
			} else {
				c.rdb = rdb
				log.Info("cache: L2 redis connected", slog.String("addr", opts.Addr))
			}
		}
	}

	log.Info("cache: initialized", slog.Duration("ttl", ttl), slog.Bool("redis", c.rdb != nil), slog.Int("max_entries", maxEntries))
	return c
}

// Key builds the cache key of one video page.
func Key(bvid string, cid int64) string {
	return keyPrefix + bvid + ":" + strconv.FormatInt(cid, 10)
}

// Get tries L1, then L2. An L2 hit repopulates L1.
func (c *Tiered) Get(ctx context.Context, key string) (Entry, bool) {
	if v, ok := c.l1.Load(key); ok {
		it := v.(*item)
		if c.now().Before(it.expiresAt) {
			var e Entry
			if json.Unmarshal(it.data, &e) == nil {
				c.hits.Add(1)
				c.log.Debug("cache: L1 hit", slog.String("key", key))
				return e, true
			}
		}
		c.l1.Delete(key)
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			c.log.Warn("cache: L2 get failed", slog.String("error", err.Error()))
		}
		if err == nil {
			var e Entry
			if json.Unmarshal(data, &e) == nil {
				c.hits.Add(1)
				c.log.Debug("cache: L2 hit", slog.String("key", key))
				c.l1.Store(key, &item{data: data, expiresAt: c.now().Add(c.ttl)})
				return e, true
			}
		}
	}

	c.misses.Add(1)
	return Entry{}, false
}

// Set stores e in both tiers.
func (c *Tiered) Set(ctx context.Context, key string, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	c.evictIfNeeded()
	c.l1.Store(key, &item{data: data, expiresAt: c.now().Add(c.ttl)})

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn("cache: L2 set failed", slog.String("error", err.Error()))
		}
	}
}

// Stats returns hit and miss counters.
func (c *Tiered) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Run sweeps expired L1 entries until ctx is done.
func (c *Tiered) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Close releases the Redis connection, if any.
func (c *Tiered) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *Tiered) sweep() int {
	now := c.now()
	removed := 0
	c.l1.Range(func(k, v any) bool {
		if now.After(v.(*item).expiresAt) {
			c.l1.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// evictIfNeeded drops expired entries, then the oldest ones, until there is
// room for one more.
func (c *Tiered) evictIfNeeded() {
	if c.len() < c.maxEntries {
		return
	}
	c.sweep()

	for c.len() >= c.maxEntries {
		var oldestKey any
		var oldestAt time.Time
		c.l1.Range(func(k, v any) bool {
			it := v.(*item)
			if oldestKey == nil || it.expiresAt.Before(oldestAt) {
				oldestKey, oldestAt = k, it.expiresAt
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		c.l1.Delete(oldestKey)
	}
}

func (c *Tiered) len() int {
	n := 0
	c.l1.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
