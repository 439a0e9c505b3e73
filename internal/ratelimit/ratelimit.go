// Package ratelimit provides token buckets for websocket sessions and REST
// callers.
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
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// refill adds the tokens earned since the last call. Callers hold mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Verdict is what a Guard decided about one inbound message.
type Verdict int

const (
	Accept Verdict = iota
	// Drop means the message is discarded silently.
	Drop
	// Warn means the message is discarded and the violation should be logged.
	Warn
	// Disconnect means the sender exceeded the violation budget.
	Disconnect
)

// Guard wraps a Limiter for one connection and escalates repeated
// violations: every WarnEvery-th violation is reported and the connection
// is cut after MaxViolations.
type Guard struct {
	limiter       *Limiter
	violations    int
	WarnEvery     int
	MaxViolations int
}

func NewGuard(rate float64, burst int) *Guard {
	return &Guard{
		limiter:       NewLimiter(rate, burst),
		WarnEvery:     100,
		MaxViolations: 1000,
	}
}

// Check is not safe for concurrent use; each connection reads on one goroutine.
func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Accept
	}
	g.violations++
	switch {
	case g.violations > g.MaxViolations:
		return Disconnect
	case g.violations%g.WarnEvery == 1:
		return Warn
	default:
		return Drop
	}
}

func (g *Guard) Violations() int {
	return g.violations
}

type clientEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// ClientLimiters keeps one Limiter per caller key. Entries idle for longer
// than the idle window are dropped by a background sweep.
type ClientLimiters struct {
	limiters        map[string]*clientEntry
	rate            float64
	burst           int
	mu              sync.Mutex
	idle            time.Duration
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*clientEntry),
		rate:            rate,
		burst:           burst,
		idle:            10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.limiters[clientID]
	if !ok {
		e = &clientEntry{limiter: NewLimiter(cl.rate, cl.burst)}
		cl.limiters[clientID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow takes one token from clientID's bucket.
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// evictIdle drops entries not used since before cutoff.
func (cl *ClientLimiters) evictIdle(cutoff time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for id, e := range cl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(cl.limiters, id)
			n++
		}
	}
	return n
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case now := <-ticker.C:
			cl.evictIdle(now.Add(-cl.idle))
		}
	}
}
