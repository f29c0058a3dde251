package connlimit

import (
	"fmt"
	"sync"
)

// Limiter caps concurrent client connections globally and per source IP.
// Admission happens before any bytes are read from the connection.
type Limiter struct {
	mu      sync.Mutex
	total   int
	perIP   map[string]int
	maxConn int
	maxPer  int
}

// ErrLimit reports which cap rejected the connection.
type ErrLimit struct {
	PerIP bool
	IP    string
}

func (e *ErrLimit) Error() string {
	if e.PerIP {
		return fmt.Sprintf("per-ip connection limit reached for %s", e.IP)
	}
	return "global connection limit reached"
}

// New creates a limiter. Zero caps mean unlimited.
func New(maxConnections, maxPerIP int) *Limiter {
	return &Limiter{
		perIP:   make(map[string]int),
		maxConn: maxConnections,
		maxPer:  maxPerIP,
	}
}

// Acquire admits a connection from ip. On success the returned release
// must be called exactly once when the connection ends.
func (l *Limiter) Acquire(ip string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConn > 0 && l.total >= l.maxConn {
		return nil, &ErrLimit{}
	}
	if l.maxPer > 0 && l.perIP[ip] >= l.maxPer {
		return nil, &ErrLimit{PerIP: true, IP: ip}
	}
	l.total++
	l.perIP[ip]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.total--
			if l.perIP[ip] <= 1 {
				delete(l.perIP, ip)
			} else {
				l.perIP[ip]--
			}
			l.mu.Unlock()
		})
	}, nil
}

// Active returns the current global count.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// ActiveFor returns the current count for one IP.
func (l *Limiter) ActiveFor(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}
