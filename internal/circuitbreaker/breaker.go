package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/egressd/egressd/config"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is invoked outside the breaker lock on every transition.
type StateChangeFunc func(upstream string, from, to State)

// Breaker guards one upstream host:port. Failures are timestamped and
// counted over a sliding window; entries older than the window are
// expunged lazily on each access.
type Breaker struct {
	upstream string

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int // consecutive, half-open only
	halfOpen  int // in-flight probes
	openedAt  time.Time

	failureThreshold int
	failureWindow    time.Duration
	resetTimeout     time.Duration
	successThreshold int
	halfOpenMax      int

	onChange StateChangeFunc

	// Cumulative counters, atomic for lock-free reads.
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

func newBreaker(upstream string, cfg config.BreakerConfig, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		upstream:         upstream,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		resetTimeout:     cfg.ResetTimeout,
		successThreshold: cfg.SuccessThreshold,
		halfOpenMax:      cfg.HalfOpenMaxConcurrent,
		onChange:         onChange,
	}
}

// Allow reports whether a request may proceed. When it returns true the
// caller must later call RecordSuccess or RecordFailure; in half-open
// state Done must be called as well to release the probe slot.
func (b *Breaker) Allow() (allowed bool, state State) {
	b.mu.Lock()
	b.totalRequests.Add(1)

	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch b.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			transition = b.setState(StateHalfOpen)
			b.successes = 0
			b.halfOpen = 1 // this caller is the first probe
			return true, StateHalfOpen
		}
		b.totalRejected.Add(1)
		return false, StateOpen

	case StateHalfOpen:
		if b.halfOpen < b.halfOpenMax {
			b.halfOpen++
			return true, StateHalfOpen
		}
		b.totalRejected.Add(1)
		return false, StateHalfOpen
	}
	return false, b.state
}

// Done releases a half-open probe slot. Safe to call in any state.
func (b *Breaker) Done() {
	b.mu.Lock()
	if b.halfOpen > 0 {
		b.halfOpen--
	}
	b.mu.Unlock()
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.totalSuccesses.Add(1)

	var transition func()
	switch b.state {
	case StateClosed:
		b.pruneLocked(time.Now())
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			transition = b.setState(StateClosed)
			b.failures = nil
			b.successes = 0
			b.halfOpen = 0
		}
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	b.totalFailures.Add(1)

	var transition func()
	switch b.state {
	case StateClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.failureThreshold {
			transition = b.setState(StateOpen)
			b.openedAt = now
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		transition = b.setState(StateOpen)
		b.openedAt = now
		b.successes = 0
		b.halfOpen = 0
		b.failures = nil
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// ForceState pins the breaker to a state, for the admin API. Forcing
// Closed clears the failure window and any in-flight probe count.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	transition := b.setState(s)
	switch s {
	case StateClosed:
		b.failures = nil
		b.successes = 0
		b.halfOpen = 0
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen:
		b.successes = 0
		b.halfOpen = 0
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// State returns the current state, pruning expired failures first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState changes state under the lock and returns the callback to run
// after unlocking, or nil when nothing changed.
func (b *Breaker) setState(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if b.onChange == nil {
		return nil
	}
	cb, up := b.onChange, b.upstream
	return func() { cb(up, from, to) }
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.failureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return BreakerSnapshot{
		Upstream:         b.upstream,
		State:            b.state.String(),
		WindowFailures:   len(b.failures),
		ConsecSuccesses:  b.successes,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	Upstream         string `json:"upstream"`
	State            string `json:"state"`
	WindowFailures   int    `json:"window_failures"`
	ConsecSuccesses  int    `json:"consecutive_successes"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalRejected    int64  `json:"total_rejected"`
}

// Registry manages breakers per upstream host:port, created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
	onChange StateChangeFunc
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg config.BreakerConfig, onChange StateChangeFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (r *Registry) Get(upstream string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[upstream]; ok {
		return b
	}
	b = newBreaker(upstream, r.cfg, r.onChange)
	r.breakers[upstream] = b
	return b
}

// Snapshots returns snapshots of all breakers, for the stats endpoint.
func (r *Registry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for up, b := range r.breakers {
		out[up] = b.Snapshot()
	}
	return out
}
