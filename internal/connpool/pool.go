package connpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/egressd/egressd/config"
)

// Conn is a pooled upstream socket. Callers must finish with exactly one
// Release call; Release(true) offers the socket back for reuse.
type Conn struct {
	net.Conn
	pool      *protoPool
	addr      string
	createdAt time.Time
	lastUsed  time.Time
	slotOnce  sync.Once
}

// Release returns the socket to its pool when reuse is true and there is
// room, and closes it otherwise.
func (c *Conn) Release(reuse bool) {
	if c.pool == nil {
		c.Conn.Close()
		return
	}
	c.pool.release(c, reuse)
}

// Pool holds keep-alive upstream sockets in two sub-pools, one per
// protocol. The global socket cap spans both.
type Pool struct {
	http      *protoPool
	https     *protoPool
	globalSem chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Stats is a point-in-time view of one sub-pool.
type Stats struct {
	Created int64 `json:"created"`
	Reused  int64 `json:"reused"`
	Active  int64 `json:"active"`
	Free    int64 `json:"free"`
	Pending int64 `json:"pending"`
}

// New creates the pool. TLS sockets verify upstream certificates against
// the system roots.
func New(cfg config.PoolConfig) *Pool {
	p := &Pool{
		globalSem: make(chan struct{}, cfg.MaxTotal),
		closeCh:   make(chan struct{}),
	}
	p.http = newProtoPool(p, cfg, false)
	p.https = newProtoPool(p, cfg, true)
	go p.reap(cfg.FreeTimeout)
	return p
}

// Get borrows a socket for addr ("host:port"). serverName is the TLS SNI
// and verification name, ignored for plain sockets. Get blocks while the
// per-host or global cap is exhausted, until ctx is done.
func (p *Pool) Get(ctx context.Context, useTLS bool, addr, serverName string) (*Conn, error) {
	select {
	case <-p.closeCh:
		return nil, fmt.Errorf("pool closed")
	default:
	}
	if useTLS {
		return p.https.get(ctx, addr, serverName)
	}
	return p.http.get(ctx, addr, serverName)
}

// HTTPStats and HTTPSStats expose per-protocol counters.
func (p *Pool) HTTPStats() Stats  { return p.http.stats() }
func (p *Pool) HTTPSStats() Stats { return p.https.stats() }

// Close shuts the pool and closes every idle socket. Borrowed sockets
// are closed as they are released.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.http.closeAll()
		p.https.closeAll()
	})
}

func (p *Pool) evictOneIdle() {
	if c := p.http.popAnyIdle(); c != nil {
		p.http.closeConn(c)
		return
	}
	if c := p.https.popAnyIdle(); c != nil {
		p.https.closeConn(c)
	}
}

func (p *Pool) reap(freeTimeout time.Duration) {
	ticker := time.NewTicker(freeTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.http.removeStale(freeTimeout)
			p.https.removeStale(freeTimeout)
		}
	}
}

// protoPool is one protocol's sub-pool.
type protoPool struct {
	parent *Pool
	useTLS bool
	lifo   bool

	maxPerHost  int
	maxFree     int
	connTimeout time.Duration
	keepAlive   time.Duration

	mu       sync.Mutex
	idle     map[string][]*Conn
	hostSems map[string]chan struct{}

	created atomic.Int64
	reused  atomic.Int64
	active  atomic.Int64
	free    atomic.Int64
	pending atomic.Int64
}

func newProtoPool(parent *Pool, cfg config.PoolConfig, useTLS bool) *protoPool {
	return &protoPool{
		parent:      parent,
		useTLS:      useTLS,
		lifo:        cfg.Scheduling != "fifo",
		maxPerHost:  cfg.MaxPerHost,
		maxFree:     cfg.MaxIdlePerHost,
		connTimeout: cfg.ConnectTimeout,
		keepAlive:   cfg.KeepAlive,
		idle:        make(map[string][]*Conn),
		hostSems:    make(map[string]chan struct{}),
	}
}

func (pp *protoPool) hostSem(addr string) chan struct{} {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	sem, ok := pp.hostSems[addr]
	if !ok {
		sem = make(chan struct{}, pp.maxPerHost)
		pp.hostSems[addr] = sem
	}
	return sem
}

func (pp *protoPool) get(ctx context.Context, addr, serverName string) (*Conn, error) {
	// Idle sockets already hold their host and global slots, so popping
	// one needs no semaphore work.
	for {
		c := pp.popIdle(addr)
		if c == nil {
			break
		}
		if pp.isValid(c) {
			pp.reused.Add(1)
			pp.active.Add(1)
			return c, nil
		}
		pp.closeConn(c)
	}

	sem := pp.hostSem(addr)
	pp.pending.Add(1)
	defer pp.pending.Add(-1)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case pp.parent.globalSem <- struct{}{}:
	default:
		// Global cap reached. Idle sockets hold slots too, so evict one
		// before waiting.
		pp.parent.evictOneIdle()
		select {
		case pp.parent.globalSem <- struct{}{}:
		case <-ctx.Done():
			<-sem
			return nil, ctx.Err()
		}
	}

	raw, err := pp.dial(ctx, addr, serverName)
	if err != nil {
		<-pp.parent.globalSem
		<-sem
		return nil, err
	}
	pp.created.Add(1)
	pp.active.Add(1)
	now := time.Now()
	return &Conn{Conn: raw, pool: pp, addr: addr, createdAt: now, lastUsed: now}, nil
}

func (pp *protoPool) dial(ctx context.Context, addr, serverName string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   pp.connTimeout,
		KeepAlive: 30 * time.Second,
	}
	if !pp.useTLS {
		return d.DialContext(ctx, "tcp", addr)
	}
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: serverName}}
	return td.DialContext(ctx, "tcp", addr)
}

func (pp *protoPool) popIdle(addr string) *Conn {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	conns := pp.idle[addr]
	if len(conns) == 0 {
		return nil
	}
	var c *Conn
	if pp.lifo {
		c = conns[len(conns)-1]
		pp.idle[addr] = conns[:len(conns)-1]
	} else {
		c = conns[0]
		pp.idle[addr] = conns[1:]
	}
	pp.free.Add(-1)
	return c
}

// popAnyIdle removes one idle socket from any host.
func (pp *protoPool) popAnyIdle() *Conn {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for addr, conns := range pp.idle {
		c := conns[0]
		if len(conns) == 1 {
			delete(pp.idle, addr)
		} else {
			pp.idle[addr] = conns[1:]
		}
		pp.free.Add(-1)
		return c
	}
	return nil
}

func (pp *protoPool) release(c *Conn, reuse bool) {
	pp.active.Add(-1)
	if !reuse {
		pp.closeConn(c)
		return
	}
	select {
	case <-pp.parent.closeCh:
		pp.closeConn(c)
		return
	default:
	}

	pp.mu.Lock()
	if len(pp.idle[c.addr]) >= pp.maxFree {
		pp.mu.Unlock()
		pp.closeConn(c)
		return
	}
	c.lastUsed = time.Now()
	pp.idle[c.addr] = append(pp.idle[c.addr], c)
	pp.free.Add(1)
	pp.mu.Unlock()
}

// closeConn closes the socket and frees its host and global slots.
func (pp *protoPool) closeConn(c *Conn) {
	c.slotOnce.Do(func() {
		c.Conn.Close()
		<-pp.parent.globalSem
		pp.mu.Lock()
		sem := pp.hostSems[c.addr]
		pp.mu.Unlock()
		if sem != nil {
			<-sem
		}
	})
}

// isValid probes a pooled socket with a short read deadline. A timeout
// means the socket is quiet and usable; data or EOF means it is not
// reusable for a fresh request.
func (pp *protoPool) isValid(c *Conn) bool {
	now := time.Now()
	if now.Sub(c.lastUsed) > pp.keepAlive {
		return false
	}
	c.Conn.SetReadDeadline(now.Add(time.Millisecond))
	one := make([]byte, 1)
	_, err := c.Conn.Read(one)
	c.Conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	return false
}

func (pp *protoPool) removeStale(freeTimeout time.Duration) {
	now := time.Now()
	var stale []*Conn
	pp.mu.Lock()
	for addr, conns := range pp.idle {
		var valid []*Conn
		for _, c := range conns {
			if now.Sub(c.lastUsed) > freeTimeout {
				stale = append(stale, c)
			} else {
				valid = append(valid, c)
			}
		}
		if len(valid) > 0 {
			pp.idle[addr] = valid
		} else {
			delete(pp.idle, addr)
		}
	}
	pp.free.Add(int64(-len(stale)))
	pp.mu.Unlock()
	for _, c := range stale {
		pp.closeConn(c)
	}
}

func (pp *protoPool) closeAll() {
	pp.mu.Lock()
	var all []*Conn
	for _, conns := range pp.idle {
		all = append(all, conns...)
	}
	pp.idle = make(map[string][]*Conn)
	pp.free.Store(0)
	pp.mu.Unlock()
	for _, c := range all {
		c.slotOnce.Do(func() { c.Conn.Close() })
	}
}

func (pp *protoPool) stats() Stats {
	return Stats{
		Created: pp.created.Load(),
		Reused:  pp.reused.Load(),
		Active:  pp.active.Load(),
		Free:    pp.free.Load(),
		Pending: pp.pending.Load(),
	}
}
