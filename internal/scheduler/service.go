package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"remibot/internal/reminder"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

// Config controls the delivery loops.
//
// WarnLead is the advance-warning lead time; the warning window is exactly
// one tick wide, so each reminder is warned at most once. Delivery retries
// use bounded exponential backoff and honor platform-mandated pauses.
type Config struct {
	WarnLead      time.Duration
	Retention     time.Duration
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarnLead <= 0 {
		c.WarnLead = 15 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
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
	return c
}

// CacheClearer is implemented by the directory resolver.
type CacheClearer interface {
	Clear()
}

// Service runs the reminder delivery state machine: a minute-aligned scan
// tick, a daily cleanup of stale one-offs, and a daily directory cache
// clear.
type Service struct {
	log    logx.Logger
	store  *reminder.Store
	sender kit.Sender
	dir    kit.Directory
	cache  CacheClearer

	c *cron.Cron

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand

	now func() time.Time
}

func New(cfg Config, store *reminder.Store, sender kit.Sender, dir kit.Directory, cache CacheClearer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		store:  store,
		sender: sender,
		dir:    dir,
		cache:  cache,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	s.Apply(cfg)
	return s
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Apply updates pacing, retry and retention settings at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start registers the cron jobs and starts the loop. The scan runs at second
// zero of every minute, which gives the due/warning comparisons a stable
// wall-clock alignment.
func (s *Service) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))

	if _, err := c.AddFunc("* * * * *", func() { s.tick(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc("@daily", func() { s.cleanup(ctx) }); err != nil {
		return err
	}
	if s.cache != nil {
		if _, err := c.AddFunc("@daily", func() { s.cache.Clear() }); err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.log.Info("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// cronLogger adapts logx to the cron logger interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
