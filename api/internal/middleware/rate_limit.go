package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"social-credit-ledger/shared/authx"
	"social-credit-ledger/shared/httpx"
)

// RateLimitMiddleware throttles per caller. It must sit inside the auth
// middleware so verified callers are keyed by identity.
type RateLimitMiddleware struct {
	Limiter *IPRateLimiter
	Skip    func(*http.Request) bool
}

// CallerKey names the bucket for r: the member a token acts as, else the
// token subject, else the client address.
func CallerKey(r *http.Request) string {
	if auth, ok := authx.FromContext(r.Context()); ok {
		if auth.MemberID != "" {
			return "member:" + auth.MemberID
		}
		if auth.Subject != "" {
			return "sub:" + auth.Subject
		}
	}
	if ip := httpx.ClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := m.Limiter.Reserve(CallerKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter keeps one token bucket per caller key and forgets callers
// idle longer than ttl.
type IPRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(rps float64, burst int, ttl time.Duration) *IPRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &IPRateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (l *IPRateLimiter) Allow(key string) bool {
	_, ok := l.Reserve(key)
	return ok
}

// Reserve takes a token for key. When none is available it reports how long
// until one is, rounded up to at least a second, and takes nothing.
func (l *IPRateLimiter) Reserve(key string) (time.Duration, bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		l.cleanup(now)
		l.lastSweep = now
	}

	client, ok := l.clients[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = client
	}
	client.lastSeen = now
	res := client.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}
	res.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	return delay, false
}

func (l *IPRateLimiter) cleanup(now time.Time) {
	for key, client := range l.clients {
		if now.Sub(client.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}
