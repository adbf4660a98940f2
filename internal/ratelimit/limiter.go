// Package ratelimit enforces hourly and daily send quotas for the platform
// as a whole and for each tenant. Counters live in memory and are flushed to
// bbolt so quotas survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dripline/internal/clock"
)

var bucketQuotas = []byte("quotas")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal Level = "global"
	LevelTenant Level = "tenant"
)

// Config contains quota configuration
type Config struct {
	Global        *LimitConfig
	DefaultTenant *LimitConfig            // for tenants without an entry in Tenants
	Tenants       map[string]*LimitConfig // tenant_id -> limits
	FlushInterval time.Duration
}

// LimitConfig contains quota values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

// Counter tracks sends in the current hour and day windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result is the outcome of a quota check
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats is a snapshot of one counter
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces global and per-tenant quotas
type Limiter struct {
	db       *bolt.DB
	config   *Config
	clock    clock.Clock
	counters map[string]*Counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter backed by db and starts the flush loop
func NewLimiter(db *bolt.DB, cfg *Config, clk clock.Clock) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quotas bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		clock:    clk,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow reports whether one more message may be sent for the tenant and,
// if so, counts it against every applicable quota
func (l *Limiter) Allow(ctx context.Context, tenantID string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	checks := l.checks(tenantID)

	for _, c := range checks {
		counter := l.counter(c.key, now)
		resetExpired(counter, now)
		if res := deny(c, counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			return res, nil
		}
	}

	for _, c := range checks {
		counter := l.counters[c.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// Check is Allow without counting
func (l *Limiter) Check(ctx context.Context, tenantID string) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.Now()
	for _, c := range l.checks(tenantID) {
		counter, ok := l.counters[c.key]
		if !ok {
			continue
		}
		hourly, daily := current(counter, now)
		if res := deny(c, hourly, daily, counter, now); res != nil {
			return res, nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the counter for a level and key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{Level: level, Key: key}
	counter, ok := l.counters[makeKey(level, key)]
	if !ok {
		return stats, nil
	}

	stats.HourlyCount, stats.DailyCount = current(counter, l.clock.Now())
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	return stats, nil
}

// Stop ends the flush loop and persists counters one last time
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) checks(tenantID string) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if tenantID != "" {
		limit := l.config.Tenants[tenantID]
		if limit == nil {
			limit = l.config.DefaultTenant
		}
		if limit != nil {
			checks = append(checks, limitCheck{
				level: LevelTenant,
				key:   makeKey(LevelTenant, tenantID),
				limit: limit,
			})
		}
	}

	return checks
}

func deny(c limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if c.limit.MessagesPerHour > 0 && hourly >= c.limit.MessagesPerHour {
		return &Result{DeniedBy: c.level, DeniedKey: c.key, RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}
	}
	if c.limit.MessagesPerDay > 0 && daily >= c.limit.MessagesPerDay {
		return &Result{DeniedBy: c.level, DeniedKey: c.key, RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}
	}
	return nil
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok {
		c = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = c
	}
	return c
}

func current(c *Counter, now time.Time) (hourly, daily int) {
	hourly, daily = c.HourlyCount, c.DailyCount
	if now.Sub(c.HourStart) >= time.Hour {
		hourly = 0
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		daily = 0
	}
	return hourly, daily
}

func resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip corrupt entries
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}
		for key, c := range l.counters {
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
