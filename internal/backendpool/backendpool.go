// Package backendpool pools raw dialed connections per backend endpoint,
// so the proxy avoids paying a fresh TCP dial on every client session. Each
// pool is keyed by endpoint address and owns its own warm-up, acquire/
// return, idle-reaping, and graceful drain, grounded in the teacher's
// internal/pool.TenantPool generalized from per-tenant to per-endpoint-addr.
package backendpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Stats holds connection pool statistics for one backend endpoint.
type Stats struct {
	Addr      string `json:"addr"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a
// goroutine must wait.
type OnPoolExhausted func(addr string)

// Options configures a per-endpoint pool's sizing and timeouts.
type Options struct {
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	return o
}

// EndpointPool manages connections to a single backend address.
type EndpointPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr string
	opts Options

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewEndpointPool creates a new connection pool for a single backend addr.
func NewEndpointPool(addr string, opts Options) *EndpointPool {
	opts = opts.withDefaults()
	p := &EndpointPool{
		addr:   addr,
		opts:   opts,
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if opts.MinConns > 0 {
		go p.warmUp()
	}
	go p.reapLoop()

	return p
}

func (p *EndpointPool) warmUp() {
	for i := 0; i < p.opts.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up connection failed", "addr", p.addr, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.Close()
			return
		}
		pc.MarkIdle()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "addr", p.addr, "count", p.opts.MinConns)
}

// Acquire gets a connection to this pool's backend, dialing a new one if
// the idle list is empty and the pool isn't at MaxConns.
func (p *EndpointPool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.opts.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for %s", p.addr)
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.IsExpired(p.opts.MaxLifetime) {
				pc.Close()
				p.total--
				continue
			}
			if err := pc.Ping(); err != nil {
				pc.Close()
				p.total--
				continue
			}

			pc.MarkActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.opts.MaxConns {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s: %w", p.addr, err)
			}

			pc.MarkActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb(p.addr)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for %s: pool exhausted", p.opts.AcquireTimeout, p.addr)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for %s", p.addr)
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for %s: pool exhausted", p.opts.AcquireTimeout, p.addr)
		}
	}
}

// Return releases a connection back to the pool.
func (p *EndpointPool) Return(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.IsExpired(p.opts.MaxLifetime) {
		pc.Close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.MarkIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// Stats returns current pool statistics.
func (p *EndpointPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Addr:      p.addr,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.opts.MaxConns,
		MinConns:  p.opts.MinConns,
		Exhausted: p.exhausted,
	}
}

// Drain closes idle connections and waits for active ones to be returned.
func (p *EndpointPool) Drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining active connections", "addr", p.addr, "count", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.Close()
				p.total--
			}
			p.active = make(map[*PooledConn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active connections after drain timeout", "addr", p.addr)
			return
		}
	}
}

// Close shuts down the pool.
func (p *EndpointPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *EndpointPool) dial(ctx context.Context) (*PooledConn, error) {
	dialer := net.Dialer{Timeout: p.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, err
	}
	return NewPooledConn(conn, p.addr, p), nil
}

func (p *EndpointPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *EndpointPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.opts.MinConns {
		return
	}

	kept := make([]*PooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.opts.MinConns
	for i, pc := range p.idle {
		if i < excess && (pc.IsIdle(p.opts.IdleTimeout) || pc.IsExpired(p.opts.MaxLifetime)) {
			pc.Close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}

// Manager manages per-endpoint pools, created lazily as the router and
// proxy encounter new addresses from the reconciler's live endpoint set.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*EndpointPool
	opts            Options
	onPoolExhausted OnPoolExhausted
	closeOnce       sync.Once
}

// NewManager creates a new pool manager with the given default options.
func NewManager(opts Options) *Manager {
	return &Manager{pools: make(map[string]*EndpointPool), opts: opts}
}

// SetOnPoolExhausted sets the callback fired when any pool is exhausted.
// Must be called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// GetOrCreate returns the pool for addr, creating it lazily if needed.
func (m *Manager) GetOrCreate(addr string) *EndpointPool {
	m.mu.RLock()
	if p, ok := m.pools[addr]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[addr]; ok {
		return p
	}

	p := NewEndpointPool(addr, m.opts)
	p.onPoolExhausted = m.onPoolExhausted
	m.pools[addr] = p
	slog.Info("created endpoint pool", "addr", addr)
	return p
}

// Get returns the pool for addr if it already exists.
func (m *Manager) Get(addr string) (*EndpointPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[addr]
	return p, ok
}

// Remove closes and removes the pool for addr, e.g. when the reconciler
// stops reporting that endpoint as eligible.
func (m *Manager) Remove(addr string) bool {
	m.mu.Lock()
	p, ok := m.pools[addr]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, addr)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed endpoint pool", "addr", addr)
	return true
}

// AllStats returns stats for every known endpoint pool.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Close shuts down all pools. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*EndpointPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
