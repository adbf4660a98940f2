package main

import (
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/ratelimit"
)

func TestVerdict(t *testing.T) {
	if got := verdict(&ratelimit.Result{Allowed: true}); got != "allowed" {
		t.Errorf("verdict = %q", got)
	}

	res := &ratelimit.Result{DeniedBy: ratelimit.LevelTenant, DeniedKey: "t1", RetryAfter: 90*time.Second + 400*time.Millisecond}
	if got, want := verdict(res), "denied by tenant t1, retry in 1m30s"; got != want {
		t.Errorf("verdict = %q, want %q", got, want)
	}
}
