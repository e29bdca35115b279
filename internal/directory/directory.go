package directory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

// Config bounds the resolver's platform traffic and memory.
type Config struct {
	LookupsPerSec   int
	RetryMax        int // retries beyond the first attempt
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	CacheMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.LookupsPerSec <= 0 {
		c.LookupsPerSec = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 2048
	}
	return c
}

// Resolver wraps a platform directory with a lookup throttle, bounded
// exponential retry on transient failures, and a size-capped positive cache.
// Resolving a startup snapshot means N identities against a rate-limited
// API; the throttle keeps that batch polite and the retry keeps one flaky
// lookup from dropping a record unnecessarily.
type Resolver struct {
	inner   kit.Directory
	log     logx.Logger
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand

	mu       sync.Mutex
	users    map[int64]kit.User
	channels map[int64]kit.Channel
}

func New(inner kit.Directory, cfg Config, log logx.Logger) *Resolver {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		inner:    inner,
		log:      log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.LookupsPerSec), cfg.LookupsPerSec),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		users:    make(map[int64]kit.User),
		channels: make(map[int64]kit.Channel),
	}
}

// Apply installs a new config on hot reload. The cache keeps its entries;
// the size cap applies on the next insert.
func (r *Resolver) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	if cfg.LookupsPerSec != r.cfg.LookupsPerSec {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.LookupsPerSec), cfg.LookupsPerSec)
	}
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Resolver) snapshot() (Config, *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.limiter
}

func (r *Resolver) ResolveUser(ctx context.Context, id int64) (kit.User, error) {
	r.mu.Lock()
	if u, ok := r.users[id]; ok {
		r.mu.Unlock()
		return u, nil
	}
	r.mu.Unlock()

	var u kit.User
	err := r.lookup(ctx, func(ctx context.Context) error {
		var err error
		u, err = r.inner.ResolveUser(ctx, id)
		return err
	})
	if err != nil {
		return kit.User{}, err
	}

	r.mu.Lock()
	r.putUserLocked(id, u)
	r.mu.Unlock()
	return u, nil
}

func (r *Resolver) ResolveChannel(ctx context.Context, id int64) (kit.Channel, error) {
	r.mu.Lock()
	if c, ok := r.channels[id]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	var c kit.Channel
	err := r.lookup(ctx, func(ctx context.Context) error {
		var err error
		c, err = r.inner.ResolveChannel(ctx, id)
		return err
	})
	if err != nil {
		return kit.Channel{}, err
	}

	r.mu.Lock()
	if len(r.channels) >= r.cfg.CacheMaxEntries {
		evictOne(r.channels)
	}
	r.channels[id] = c
	r.mu.Unlock()
	return c, nil
}

// Clear empties the cache. Wired to a daily schedule so stale display names
// and deleted identities age out, and memory stays bounded over long uptimes.
func (r *Resolver) Clear() {
	r.mu.Lock()
	n := len(r.users) + len(r.channels)
	r.users = make(map[int64]kit.User)
	r.channels = make(map[int64]kit.Channel)
	r.mu.Unlock()
	r.log.Debug("directory cache cleared", logx.Int("entries", n))
}

func (r *Resolver) putUserLocked(id int64, u kit.User) {
	if len(r.users) >= r.cfg.CacheMaxEntries {
		evictOne(r.users)
	}
	r.users[id] = u
}

// lookup runs fn under the throttle with bounded exponential backoff.
// Permanent errors return immediately: retrying a deleted user cannot help.
func (r *Resolver) lookup(ctx context.Context, fn func(context.Context) error) error {
	cfg, limiter := r.snapshot()
	var lastErr error
	attempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if kit.IsPermanent(err) || !kit.IsTransient(err) {
			return err
		}
		if attempt >= attempts {
			break
		}

		delay := r.retryDelay(cfg, attempt)
		if after := kit.RetryAfter(err); after > delay {
			delay = after
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func (r *Resolver) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	r.mu.Lock()
	j := 0.7 + r.rng.Float64()*0.6
	r.mu.Unlock()
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func evictOne[K comparable, V any](m map[K]V) {
	for k := range m {
		delete(m, k)
		return
	}
}
