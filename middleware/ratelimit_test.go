package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimit_BurstThenReject(t *testing.T) {
	r := okRouter(RateLimit(0.001, 3))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hit(r, "/", "10.0.1.1").Code, i)
	}
	w := hit(r, "/", "10.0.1.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"scope":"http"`)
}

func TestRateLimit_BucketsArePerIP(t *testing.T) {
	r := okRouter(RateLimit(0.001, 1))
	assert.Equal(t, http.StatusOK, hit(r, "/", "10.1.1.1").Code)
	assert.Equal(t, http.StatusOK, hit(r, "/", "10.1.1.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "/", "10.1.1.1").Code)
}

func TestRateLimit_RetryAfter(t *testing.T) {
	cases := []struct {
		rps  rate.Limit
		want string
	}{
		{0.5, "2"},
		{0.3, "4"},
		{5, "1"},
	}
	for _, tc := range cases {
		r := okRouter(RateLimit(tc.rps, 1))
		require.Equal(t, http.StatusOK, hit(r, "/", "10.9.9.9").Code)
		w := hit(r, "/", "10.9.9.9")
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, tc.want, w.Header().Get("Retry-After"), "rps %v", tc.rps)
	}
}

func TestIPLimiters_SweepsIdleClients(t *testing.T) {
	start := time.Now()
	l := &ipLimiters{r: 1, b: 1, clients: map[string]*clientLimiter{}, lastSweep: start}
	l.get("10.0.0.1", start)
	l.get("10.0.0.2", start.Add(limiterIdleTTL))

	l.get("10.0.0.2", start.Add(limiterIdleTTL+limiterSweepEvery+time.Minute))
	assert.NotContains(t, l.clients, "10.0.0.1")
	assert.Contains(t, l.clients, "10.0.0.2")
}
