package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleTTL    = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiters hands out one token bucket per client IP and forgets idle ones
// on access, so no background goroutine outlives the router.
type ipLimiters struct {
	mu        sync.Mutex
	r         rate.Limit
	b         int
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func (l *ipLimiters) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterSweepEvery {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	cl, ok := l.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimit provides per-IP token-bucket rate limiting.
// r = requests per second, b = burst size. Rejections carry Retry-After,
// the same contract vote submissions use.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	l := &ipLimiters{r: r, b: b, clients: make(map[string]*clientLimiter), lastSweep: time.Now()}

	return func(c *gin.Context) {
		now := time.Now()
		lim := l.get(c.ClientIP(), now)
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}
		retry := 1
		if r > 0 {
			retry = int(math.Ceil(1 / float64(r)))
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"scope":       "http",
			"retry_after": retry,
		})
	}
}
