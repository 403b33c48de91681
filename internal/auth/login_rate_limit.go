package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoginRateLimiter is a per-IP sliding window in front of the login route.
// It complements the per-account lockout: the lockout protects one account,
// this slows an attacker spraying many.
type LoginRateLimiter struct {
	mu      sync.Mutex
	maxHits int
	window  time.Duration
	hitByIP map[string][]time.Time
	maxKeys int
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginRateLimiter{
		maxHits: maxHits,
		window:  window,
		hitByIP: make(map[string][]time.Time),
		maxKeys: 5000,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(clientIP(r), time.Now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeFail(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[ip]
	live := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			live = append(live, hit)
		}
	}

	if len(live) >= l.maxHits {
		retryAfter := live[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[ip] = live
		return false, retryAfter
	}

	live = append(live, now)
	l.hitByIP[ip] = live

	if len(l.hitByIP) > l.maxKeys {
		for key, value := range l.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByIP, key)
			}
		}
	}

	return true, 0
}

func clientIP(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
