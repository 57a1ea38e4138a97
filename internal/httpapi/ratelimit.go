package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// actorRateLimit throttles requests per actor; requests outside the actor
// scope share one bucket per remote address.
func actorRateLimit(perSecond, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = perSecond
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[key] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := actorFromPath(r.URL.Path)
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiterFor(key).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"kind":"rate_limited","message":"too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorFromPath extracts the actor segment of /actors/{id}/... paths. The
// limiter runs before routing, so the chi URL params are not available yet.
func actorFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/actors/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
