package server

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
)

// limiterPool keeps one token bucket per caller.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	p := &limiterPool{m: map[string]*rate.Limiter{}}
	p.configure(rps, burst)
	return p
}

// configure swaps the limits. Existing buckets are retuned in place so a
// reload does not hand every caller a fresh burst.
func (p *limiterPool) configure(rps float64, burst int) {
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rps = rps
	p.burst = burst
	for _, l := range p.m {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// allow consumes one token for key. When the bucket is empty it reports how
// many whole seconds the caller should wait.
func (p *limiterPool) allow(key string, now time.Time) (bool, int) {
	l := p.get(key)
	if l.AllowN(now, 1) {
		return true, 0
	}
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
