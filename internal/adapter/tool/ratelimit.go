package tool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"parley/internal/domain"
)

// RateLimitedInvoker puts a token bucket in front of each tool. Calls over
// budget fail fast with ErrRateLimit rather than wait.
type RateLimitedInvoker struct {
	inner domain.ToolInvoker
	every rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedInvoker allows perMinute calls per tool with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimitedInvoker(inner domain.ToolInvoker, perMinute, burst int) *RateLimitedInvoker {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedInvoker{
		inner:    inner,
		every:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Invoke implements domain.ToolInvoker.
func (r *RateLimitedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error) {
	if !r.limiter(name).Allow() {
		return nil, domain.NewDomainError("RateLimitedInvoker.Invoke", domain.ErrRateLimit, name)
	}
	return r.inner.Invoke(ctx, name, args)
}

func (r *RateLimitedInvoker) limiter(name string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[name]
	if !ok {
		l = rate.NewLimiter(r.every, r.burst)
		r.limiters[name] = l
	}
	return l
}

var _ domain.ToolInvoker = (*RateLimitedInvoker)(nil)
