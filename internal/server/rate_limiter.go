package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/pulldb/internal/config"
)

type clientLimiters struct {
	read *rate.Limiter
	wr   *rate.Limiter
	last time.Time
}

// rateLimiter keeps separate read and write buckets per caller. Idle
// callers are evicted after ttl.
type rateLimiter struct {
	mu   sync.Mutex
	cfg  config.RateLimit
	bkt  map[string]*clientLimiters
	ttl  time.Duration
	stop chan struct{}
}

func newRateLimiter(cfg config.RateLimit) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 50
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 100
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 10
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 20
	}
	rl := &rateLimiter{
		cfg:  cfg,
		bkt:  map[string]*clientLimiters{},
		ttl:  10 * time.Minute,
		stop: make(chan struct{}),
	}
	if cfg.Enabled {
		go rl.cleanupLoop()
	}
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.evict(time.Now().Add(-r.ttl))
		}
	}
}

func (r *rateLimiter) evict(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.bkt {
		if v.last.Before(cutoff) {
			delete(r.bkt, k)
		}
	}
}

func (r *rateLimiter) close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *rateLimiter) allow(key string, isWrite bool, now time.Time) bool {
	if !r.cfg.Enabled {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	r.mu.Lock()
	c := r.bkt[key]
	if c == nil {
		c = &clientLimiters{
			read: rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), r.cfg.ReadBurst),
			wr:   rate.NewLimiter(rate.Limit(r.cfg.WriteRPS), r.cfg.WriteBurst),
		}
		r.bkt[key] = c
	}
	c.last = now
	r.mu.Unlock()

	if isWrite {
		return c.wr.AllowN(now, 1)
	}
	return c.read.AllowN(now, 1)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(rateLimitClientKey(r), isWriteMethod(r.Method), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// rateLimitClientKey buckets identified callers by user and the rest by
// client address.
func rateLimitClientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if p := principalFromContext(r.Context()); p.User != "" {
		return "user:" + p.User
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return "ip:" + strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
