package middleware

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/httputil"
)

// RateLimiter throttles requests per remote party, identified by the
// X-Service-ID header set by siteauth, falling back to the remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler returns middleware that rejects requests exceeding the configured
// rate with 429 once the caller's bucket is exhausted.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Service-ID")
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiterFor(key).Allow() {
			tooMany := ddmerrors.New(ddmerrors.Internal, "rate limit exceeded").WithDetails("requester", key)
			tooMany.HTTPStatus = http.StatusTooManyRequests
			httputil.WriteDDMError(w, r, tooMany)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MuxMiddleware adapts Handler to gorilla/mux's middleware signature.
func (rl *RateLimiter) MuxMiddleware() mux.MiddlewareFunc {
	return rl.Handler
}
