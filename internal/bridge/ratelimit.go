package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepTick = 5 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per client IP.
type limiterSet struct {
	rps   int
	burst int

	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	lastSweep time.Time
}

func newLimiterSet(rps, burst int) *limiterSet {
	return &limiterSet{rps: rps, burst: burst, limiters: make(map[string]*ipLimiter)}
}

func (s *limiterSet) allow(ip string, now time.Time) bool {
	s.mu.Lock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
		s.limiters[ip] = l
	}
	l.lastSeen = now
	s.mu.Unlock()
	return l.limiter.AllowN(now, 1)
}

// sweep drops limiters idle since before cutoff.
func (s *limiterSet) sweep(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, l := range s.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(s.limiters, ip)
		}
	}
}

// maybeSweep sweeps at most once per limiterSweepTick. It serves sets that
// have no background sweeper.
func (s *limiterSet) maybeSweep(now time.Time) {
	s.mu.Lock()
	if s.lastSweep.IsZero() {
		s.lastSweep = now
	}
	due := now.Sub(s.lastSweep) >= limiterSweepTick
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if due {
		s.sweep(now.Add(-limiterIdleTTL))
	}
}

func (s *limiterSet) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepTick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.sweep(now.Add(-limiterIdleTTL))
		case <-done:
			return
		}
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. rps is the steady-state requests per second; burst is the
// maximum burst size. Idle entries are swept by a goroutine that exits when
// done is closed. With a nil done no goroutine is started and sweeping
// happens on the request path.
func RateLimiter(rps, burst int, done <-chan struct{}) gin.HandlerFunc {
	set := newLimiterSet(rps, burst)
	background := done != nil
	if background {
		go set.sweepUntil(done)
	}

	return func(c *gin.Context) {
		now := time.Now()
		if !background {
			set.maybeSweep(now)
		}
		if !set.allow(c.ClientIP(), now) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
