// Package ratelimit provides token-bucket limiters for socket events and
// per-client HTTP calls.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewLimiter refills rate tokens per second up to burst, starting full.
func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
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

// refill credits tokens for the time since the last call. Callers hold mu.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Keyed hands out one limiter per key (client IP, user id) and forgets keys
// that stay idle longer than the idle timeout.
type Keyed struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idle     time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

func NewKeyed(rate float64, burst int, idle time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

func (k *Keyed) get(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	return limiter
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Sweep drops limiters idle for longer than the idle timeout.
func (k *Keyed) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.idle)
	removed := 0
	for key, l := range k.limiters {
		if l.idleSince().Before(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Start sweeps every interval until Stop is called.
func (k *Keyed) Start(interval time.Duration) {
	k.stop = make(chan struct{})
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
				k.Sweep()
			}
		}
	}()
}

func (k *Keyed) Stop() {
	if k.stop == nil {
		return
	}
	close(k.stop)
	<-k.done
	k.stop = nil
}
