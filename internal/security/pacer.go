package security

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound calls per provider so the worker never bursts a
// provider API even while quota budget remains. Quota is the periodic
// budget; this is the instantaneous request rate.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*providerLimiter
	r        rate.Limit
	b        int
	ttl      time.Duration
}

type providerLimiter struct {
	lim     *rate.Limiter
	lastHit time.Time
}

func NewPacer(r rate.Limit, burst int, ttl time.Duration) *Pacer {
	return &Pacer{
		limiters: make(map[string]*providerLimiter),
		r:        r,
		b:        burst,
		ttl:      ttl,
	}
}

// Wait blocks until the provider's limiter admits one call, or the context
// is cancelled.
func (p *Pacer) Wait(ctx context.Context, provider string) error {
	return p.limiter(provider).Wait(ctx)
}

// Allow reports whether one call may proceed immediately.
func (p *Pacer) Allow(provider string) bool {
	return p.limiter(provider).Allow()
}

func (p *Pacer) limiter(provider string) *rate.Limiter {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = "unknown"
	}

	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	// lazy cleanup
	for k, v := range p.limiters {
		if now.Sub(v.lastHit) > p.ttl {
			delete(p.limiters, k)
		}
	}

	pl, ok := p.limiters[provider]
	if !ok {
		pl = &providerLimiter{
			lim:     rate.NewLimiter(p.r, p.b),
			lastHit: now,
		}
		p.limiters[provider] = pl
	}

	pl.lastHit = now
	return pl.lim
}
