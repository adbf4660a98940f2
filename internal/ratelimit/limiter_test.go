package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dripline/internal/clock"
)

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "quotas.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newLimiter(t *testing.T, db *bolt.DB, cfg *Config, clk clock.Clock) *Limiter {
	t.Helper()
	l, err := NewLimiter(db, cfg, clk)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return l
}

func TestNewLimiterDefaults(t *testing.T) {
	l := newLimiter(t, setupTestDB(t), nil, nil)
	defer l.Stop()

	if l.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default flush interval 10s, got %v", l.config.FlushInterval)
	}

	result, err := l.Allow(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !result.Allowed {
		t.Error("no quotas configured, expected allowed")
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	clk := clock.NewFake(start)
	l := newLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 3, MessagesPerDay: 10},
		FlushInterval: time.Hour,
	}, clk)
	defer l.Stop()

	ctx := context.Background()
	tenants := []string{"t1", "t2", "t3"}
	for i, tenant := range tenants {
		result, err := l.Allow(ctx, tenant)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	clk.Advance(20 * time.Minute)
	result, err := l.Allow(ctx, "t4")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("request 4 should be denied")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
	if result.RetryAfter != 40*time.Minute {
		t.Errorf("expected RetryAfter=40m, got %v", result.RetryAfter)
	}

	// The hour window rolls over.
	clk.Advance(41 * time.Minute)
	result, _ = l.Allow(ctx, "t4")
	if !result.Allowed {
		t.Error("expected allowed after the hour window")
	}
}

func TestAllowTenantLimit(t *testing.T) {
	l := newLimiter(t, setupTestDB(t), &Config{
		DefaultTenant: &LimitConfig{MessagesPerHour: 2},
		Tenants:       map[string]*LimitConfig{"big": {MessagesPerHour: 5}},
		FlushInterval: time.Hour,
	}, clock.NewFake(start))
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if r, _ := l.Allow(ctx, "small"); !r.Allowed {
			t.Fatalf("small request %d should be allowed", i+1)
		}
	}
	r, _ := l.Allow(ctx, "small")
	if r.Allowed {
		t.Fatal("small tenant should be over quota")
	}
	if r.DeniedBy != LevelTenant || r.DeniedKey != "tenant:small" {
		t.Errorf("unexpected denial %s %s", r.DeniedBy, r.DeniedKey)
	}

	for i := 0; i < 5; i++ {
		if r, _ := l.Allow(ctx, "big"); !r.Allowed {
			t.Fatalf("big request %d should be allowed", i+1)
		}
	}
	if r, _ := l.Allow(ctx, "big"); r.Allowed {
		t.Error("big tenant should be over its own quota")
	}
}

func TestAllowDailyLimit(t *testing.T) {
	clk := clock.NewFake(start)
	l := newLimiter(t, setupTestDB(t), &Config{
		DefaultTenant: &LimitConfig{MessagesPerDay: 3},
		FlushInterval: time.Hour,
	}, clk)
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Allow(ctx, "t1")
		clk.Advance(2 * time.Hour)
	}

	r, _ := l.Allow(ctx, "t1")
	if r.Allowed {
		t.Fatal("expected daily quota exceeded")
	}
	if r.RetryAfter != 18*time.Hour {
		t.Errorf("expected RetryAfter=18h, got %v", r.RetryAfter)
	}
}

func TestDeniedRequestNotCounted(t *testing.T) {
	l := newLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 10},
		DefaultTenant: &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	}, clock.NewFake(start))
	defer l.Stop()

	ctx := context.Background()
	l.Allow(ctx, "t1")
	l.Allow(ctx, "t1")
	l.Allow(ctx, "t1")

	stats, _ := l.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 1 {
		t.Errorf("expected global count 1, got %d", stats.HourlyCount)
	}
}

func TestCheckDoesNotCount(t *testing.T) {
	l := newLimiter(t, setupTestDB(t), &Config{
		DefaultTenant: &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	}, clock.NewFake(start))
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if r, _ := l.Check(ctx, "t1"); !r.Allowed {
			t.Fatal("Check should not consume quota")
		}
	}
	l.Allow(ctx, "t1")
	if r, _ := l.Check(ctx, "t1"); r.Allowed {
		t.Error("expected Check to report the exhausted quota")
	}
}

func TestGetStatsNonExistent(t *testing.T) {
	l := newLimiter(t, setupTestDB(t), nil, nil)
	defer l.Stop()

	stats, err := l.GetStats(context.Background(), LevelTenant, "nobody")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{
		DefaultTenant: &LimitConfig{MessagesPerHour: 10},
		FlushInterval: time.Hour,
	}
	clk := clock.NewFake(start)

	l := newLimiter(t, db, cfg, clk)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "t1")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	l2 := newLimiter(t, db, cfg, clk)
	defer l2.Stop()

	stats, err := l2.GetStats(ctx, LevelTenant, "t1")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 5 {
		t.Errorf("expected persisted HourlyCount=5, got %d", stats.HourlyCount)
	}
}

func TestMakeKey(t *testing.T) {
	if got := makeKey(LevelTenant, "t1"); got != "tenant:t1" {
		t.Errorf("makeKey = %s", got)
	}
	if got := makeKey(LevelGlobal, "global"); got != "global:global" {
		t.Errorf("makeKey = %s", got)
	}
}
