package middleware

import (
	"net/http"
	"sync"
	"time"

	"who_knows_rewards/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RateLimit struct {
	RequestsPerMinute float64 `mapstructure:"requestsPerMinute"`
	Burst             int     `mapstructure:"burst"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP as resolved by gin, which
// honours forwarding headers only from the engine's trusted proxies. Idle
// buckets are evicted after the idle timeout.
type RateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limit.RequestsPerMinute <= 0 {
			c.Next()
			return
		}

		id := c.ClientIP()
		if !r.obtainLimiter(id).Allow() {
			logger.Logger().Info("rate limit exceeded",
				zap.String("client_ip", id),
				zap.String("request_id", RequestID(c)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) obtainLimiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clockNow()
	r.evictLocked(now)

	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}

	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)
	r.visitors[id] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, id)
		}
	}
}
