package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/foxzi/dripline/internal/model"
)

// Throttled paces sends per tenant with a token bucket so one bot never
// exceeds the provider's per-bot rate
type Throttled struct {
	next  Sender
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next. A non-positive perSecond disables pacing.
func NewThrottled(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		next:     next,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send waits for the tenant's bucket and then delegates
func (t *Throttled) Send(ctx context.Context, to Recipient, msg model.Message) (string, error) {
	if err := t.limiter(to.TenantID).Wait(ctx); err != nil {
		return "", temporary("rate wait aborted", err)
	}
	return t.next.Send(ctx, to, msg)
}

func (t *Throttled) limiter(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenantID] = l
	}
	return l
}
