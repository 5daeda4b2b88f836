// Package ratelimit provides token buckets for relay ingress and cursor
// broadcasts.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/manpreetbhatti/tandem/internal/clock"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	clock      clock.Clock
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return NewLimiterWithClock(clock.Real(), rate, burst)
}

func NewLimiterWithClock(c clock.Clock, rate float64, burst int) *Limiter {
	return &Limiter{
		clock:      c,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: c.Now(),
	}
}

// Every returns the rate that allows one event per interval.
func Every(interval time.Duration) float64 {
	if interval <= 0 {
		return math.Inf(1)
	}
	return float64(time.Second) / float64(interval)
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Delay reports how long until one token is available. Zero means Allow
// would succeed now.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 || math.IsInf(l.rate, 1) {
		return 0
	}
	if l.rate <= 0 {
		return math.MaxInt64
	}
	missing := 1 - l.tokens
	return time.Duration(math.Round(missing * float64(time.Second) / l.rate))
}

// idleSince reports when the bucket was last touched.
func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	if math.IsInf(l.rate, 1) {
		l.tokens = float64(l.burst)
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// ClientLimiters hands out one Limiter per connection and evicts buckets
// that have been idle longer than the idle timeout.
type ClientLimiters struct {
	clock       clock.Clock
	limiters    map[string]*Limiter
	rate        float64
	burst       int
	mu          sync.RWMutex
	idleTimeout time.Duration
	ticker      *clock.Ticker
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	return NewClientLimitersWithClock(clock.Real(), rate, burst)
}

func NewClientLimitersWithClock(c clock.Clock, rate float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		clock:       c,
		limiters:    make(map[string]*Limiter),
		rate:        rate,
		burst:       burst,
		idleTimeout: 5 * time.Minute,
		ticker:      c.NewTicker(time.Minute),
		stop:        make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[clientID]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[clientID]; ok {
		return limiter
	}

	limiter = NewLimiterWithClock(cl.clock, cl.rate, cl.burst)
	cl.limiters[clientID] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() {
		cl.ticker.Stop()
		close(cl.stop)
	})
}

// Evict drops buckets idle for longer than the idle timeout and returns how
// many were removed.
func (cl *ClientLimiters) Evict() int {
	cutoff := cl.clock.Now().Add(-cl.idleTimeout)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for id, l := range cl.limiters {
		if l.idleSince().Before(cutoff) {
			delete(cl.limiters, id)
			removed++
		}
	}
	return removed
}

func (cl *ClientLimiters) cleanup() {
	for {
		select {
		case <-cl.stop:
			return
		case <-cl.ticker.C:
			cl.Evict()
		}
	}
}
