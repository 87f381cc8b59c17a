package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aeolun/talkative/pkg/logx"
)

// limiterSweepInterval is how often idle per-IP limiters are dropped.
const limiterSweepInterval = 3 * time.Minute

// IPRateLimiter hands out one token bucket per client IP. It throttles new
// connections on every transport.
type IPRateLimiter struct {
	mu     sync.RWMutex
	limits map[string]*rate.Limiter
	r      rate.Limit
	b      int

	stop     chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewIPRateLimiter allows perMinute connections per IP with the given burst.
// perMinute <= 0 returns nil, which allows everything.
func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      rate.Limit(float64(perMinute) / 60),
		b:      burst,
		stop:   make(chan struct{}),
		log:    logx.Component("limiter"),
	}
	go l.sweepLoop()
	return l
}

// GetLimiter returns the bucket for ip, creating it on first use.
func (l *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limits[ip]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limits[ip]; !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limits[ip] = lim
	}
	return lim
}

// Allow reports whether ip may open another connection now.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}
	return l.GetLimiter(ip).Allow()
}

// Stop ends the sweep goroutine.
func (l *IPRateLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep drops limiters whose bucket has refilled; their IPs have been idle.
func (l *IPRateLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	removed := 0
	for ip, lim := range l.limits {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(l.limits, ip)
			removed++
		}
	}
	remaining := len(l.limits)
	l.mu.Unlock()

	if removed > 0 {
		l.log.Debug().Int("removed", removed).Int("remaining", remaining).Msg("swept idle rate limiters")
	}
	return removed
}
