package ratelimit

import (
	"sync/atomic"
	"time"
)

// Decision is the outcome of one token consumption.
type Decision struct {
	Allowed   bool
	Limit     int           // bucket capacity
	Remaining int           // whole tokens left after this consume
	RetryIn   time.Duration // time until the next token when denied, 0 otherwise
}

// RuleRate is one rule's bucket definition.
type RuleRate struct {
	PerMinute int
	Burst     int // defaults to PerMinute
}

// Limiter holds token buckets keyed by "rule-id:client-ip". Buckets are
// created lazily on first consume; a background sweeper prunes buckets
// idle longer than ten refill periods. Unknown rule ids fall back to the
// process default rate.
type Limiter struct {
	defaultRate RuleRate
	rules       atomic.Pointer[map[string]RuleRate]
	buckets     *shardedMap[*bucket]
	stop        chan struct{}
}

type bucket struct {
	tokens   float64
	lastTime time.Time
	capacity int
	rate     float64 // tokens per second
}

// New creates a limiter with the given process-default requests/minute.
func New(defaultPerMinute int) *Limiter {
	if defaultPerMinute <= 0 {
		defaultPerMinute = 60
	}
	l := &Limiter{
		defaultRate: RuleRate{PerMinute: defaultPerMinute},
		buckets:     newShardedMap[*bucket](),
		stop:        make(chan struct{}),
	}
	empty := map[string]RuleRate{}
	l.rules.Store(&empty)
	go l.sweep()
	return l
}

// SetRules replaces the per-rule rates, typically after an allowlist
// swap. Existing buckets keep their in-flight token state; capacity and
// rate are re-read on the next consume.
func (l *Limiter) SetRules(rules map[string]RuleRate) {
	cp := make(map[string]RuleRate, len(rules))
	for id, r := range rules {
		if r.Burst <= 0 {
			r.Burst = r.PerMinute
		}
		cp[id] = r
	}
	l.rules.Store(&cp)
}

// Close stops the background sweeper.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) rateFor(ruleID string) RuleRate {
	rules := *l.rules.Load()
	if r, ok := rules[ruleID]; ok {
		return r
	}
	r := l.defaultRate
	if r.Burst <= 0 {
		r.Burst = r.PerMinute
	}
	return r
}

// Consume takes one token from the bucket for (ruleID, clientIP).
// Exactly one token is consumed on success; concurrent callers racing on
// the same key are serialized by the shard lock.
func (l *Limiter) Consume(ruleID, clientIP string) Decision {
	rr := l.rateFor(ruleID)
	key := ruleID + ":" + clientIP
	now := time.Now()

	s := l.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[key]
	if !ok {
		b = &bucket{tokens: float64(rr.Burst), lastTime: now}
		s.items[key] = b
	}
	// Rates may have changed under the same key since last consume.
	b.capacity = rr.Burst
	b.rate = float64(rr.PerMinute) / 60.0

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Limit: b.capacity, Remaining: int(b.tokens)}
	}
	retry := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	return Decision{Allowed: false, Limit: b.capacity, RetryIn: retry}
}

// Size returns the number of live buckets, for the stats endpoint.
func (l *Limiter) Size() int {
	return l.buckets.len()
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			l.buckets.deleteFunc(func(_ string, b *bucket) bool {
				refill := time.Minute
				if b.rate > 0 {
					refill = time.Duration(float64(b.capacity) / b.rate * float64(time.Second))
				}
				return now.Sub(b.lastTime) > 10*refill
			})
		}
	}
}
