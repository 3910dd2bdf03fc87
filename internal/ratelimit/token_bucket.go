// Package ratelimit limits signaling frames per connection, inbound at the
// relay and outbound in the client channel.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive refills deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is stored as 1e9 nano-tokens, so a refill rate of R tokens/sec
// adds exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate in tokens/sec up to a fixed burst.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64 // nano-tokens
	rate  int64 // tokens/sec == nano-tokens/ns

	avail int64 // nano-tokens
	last  time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{
		clock: clock,
		burst: toNano(max(burst, 0)),
		rate:  max(perSecond, 0),
		last:  clock.Now(),
	}
	b.avail = b.burst
	return b
}

// Allow takes one token.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN takes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.burst {
		return
	}
	// Divide before multiplying so elapsed*rate cannot overflow.
	if missing := b.burst - b.avail; elapsed >= missing/b.rate {
		b.avail = b.burst
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.burst)
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
