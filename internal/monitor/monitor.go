// Package monitor implements the four independent periodic health monitors
// described in spec.md §4.1: Connect, Ping, ReadOnly, and ReplicationLag.
// Each owns its own period and timeout, and publishes its full latest
// snapshot onto a shared fan-in channel after every sweep. Only the Connect
// and Ping monitors have a failure threshold with per-address hysteresis;
// the ReadOnly and ReplicationLag monitors take none, and a failed probe
// just leaves that address out of their snapshot.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/probe"
)

// Kind tags which monitor a Snapshot came from.
type Kind int

const (
	KindConnect Kind = iota
	KindPing
	KindReadOnly
	KindReplicationLag
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindPing:
		return "ping"
	case KindReadOnly:
		return "read_only"
	case KindReplicationLag:
		return "replication_lag"
	default:
		return "unknown"
	}
}

// Snapshot is implemented by each of the four monitor-specific snapshot
// types (spec.md §3 MonitorSnapshot).
type Snapshot interface {
	Kind() Kind
}

// ConnectStatus is per-address TCP/SQL-handshake reachability.
type ConnectStatus int

const (
	Connected ConnectStatus = iota
	Disconnected
)

// ConnectSnapshot is the ConnectMonitor's per-sweep output.
type ConnectSnapshot struct {
	ReadWrite map[string]ConnectStatus
	Read      map[string]ConnectStatus
}

func (ConnectSnapshot) Kind() Kind { return KindConnect }

// PingStatus is per-address end-to-end liveness.
type PingStatus int

const (
	PingOk PingStatus = iota
	PingNotOk
)

// PingSnapshot is the PingMonitor's per-sweep output.
type PingSnapshot struct {
	ReadWrite map[string]PingStatus
	Read      map[string]PingStatus
}

func (PingSnapshot) Kind() Kind { return KindPing }

// ReadOnlySnapshot is the ReadOnlyMonitor's per-sweep output: the role each
// watched address is currently reporting.
type ReadOnlySnapshot struct {
	Roles map[string]config.Role
}

func (ReadOnlySnapshot) Kind() Kind { return KindReadOnly }

// LagInfo is a single address's replication-lag reading.
type LagInfo struct {
	LagMs         uint64
	OverThreshold bool
}

// ReplicationLagSnapshot is the ReplicationLagMonitor's per-sweep output.
type ReplicationLagSnapshot struct {
	Latency map[string]LagInfo
}

func (ReplicationLagSnapshot) Kind() Kind { return KindReplicationLag }

// failureCounter implements the per-address hysteresis described in
// spec.md §4.1: a status flips to "bad" only after failureThreshold
// consecutive failures, and flips back to "good" on the first success.
type failureCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFailureCounter() *failureCounter {
	return &failureCounter{counts: make(map[string]int)}
}

// recordAndIsBad records a probe outcome for addr and reports whether the
// address's published status should be "bad" after this outcome.
func (f *failureCounter) recordAndIsBad(addr string, ok bool, threshold int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok {
		f.counts[addr] = 0
		return false
	}
	f.counts[addr]++
	return f.counts[addr] >= threshold
}

// runLoop is the shared periodic-sweep-with-shutdown shape used by all four
// monitors, grounded in the teacher's health.Checker.run/checkAll.
func runLoop(ctx context.Context, period time.Duration, sweep func()) {
	sweep()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}

// bounded runs fn(addr) for every addr in addrs with at most maxWorkers
// concurrent probes in flight, matching the teacher's checkAll semaphore
// pattern, and waits for all of them to finish.
func bounded(addrs []string, maxWorkers int, fn func(addr string)) {
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(addr)
		}()
	}
	wg.Wait()
}

const maxConcurrentProbes = 10

// --- ConnectMonitor ---

// ConnectMonitor probes TCP/SQL-handshake reachability for the primary and
// every configured replica. The address sets are fixed at construction
// (spec.md §9 Design Notes: monitors never observe live state).
type ConnectMonitor struct {
	probe    probe.BackendProbe
	primary  string
	replicas []string
	period   time.Duration
	timeout  time.Duration
	threshold int
	out      chan<- Snapshot
	failures *failureCounter
}

func NewConnectMonitor(p probe.BackendProbe, primary string, replicas []string, period, timeout time.Duration, threshold int, out chan<- Snapshot) *ConnectMonitor {
	return &ConnectMonitor{
		probe: p, primary: primary, replicas: replicas,
		period: period, timeout: timeout, threshold: threshold,
		out: out, failures: newFailureCounter(),
	}
}

// Run starts the monitor's periodic loop; it returns when ctx is cancelled.
func (m *ConnectMonitor) Run(ctx context.Context) {
	runLoop(ctx, m.period, func() { m.sweep(ctx) })
}

func (m *ConnectMonitor) sweep(ctx context.Context) {
	snap := ConnectSnapshot{
		ReadWrite: make(map[string]ConnectStatus, 1),
		Read:      make(map[string]ConnectStatus, len(m.replicas)),
	}
	var mu sync.Mutex

	all := append([]string{m.primary}, m.replicas...)
	bounded(all, maxConcurrentProbes, func(addr string) {
		err := m.probe.TryConnect(ctx, addr, m.timeout)
		bad := m.failures.recordAndIsBad(addr, err == nil, m.threshold)
		status := Connected
		if bad {
			status = Disconnected
		}
		mu.Lock()
		if addr == m.primary {
			snap.ReadWrite[addr] = status
		} else {
			snap.Read[addr] = status
		}
		mu.Unlock()
	})

	m.out <- snap
}

// --- PingMonitor ---

// PingMonitor probes end-to-end liveness for the primary and every
// configured replica.
type PingMonitor struct {
	probe     probe.BackendProbe
	primary   string
	replicas  []string
	period    time.Duration
	timeout   time.Duration
	threshold int
	out       chan<- Snapshot
	failures  *failureCounter
}

func NewPingMonitor(p probe.BackendProbe, primary string, replicas []string, period, timeout time.Duration, threshold int, out chan<- Snapshot) *PingMonitor {
	return &PingMonitor{
		probe: p, primary: primary, replicas: replicas,
		period: period, timeout: timeout, threshold: threshold,
		out: out, failures: newFailureCounter(),
	}
}

func (m *PingMonitor) Run(ctx context.Context) {
	runLoop(ctx, m.period, func() { m.sweep(ctx) })
}

func (m *PingMonitor) sweep(ctx context.Context) {
	snap := PingSnapshot{
		ReadWrite: make(map[string]PingStatus, 1),
		Read:      make(map[string]PingStatus, len(m.replicas)),
	}
	var mu sync.Mutex

	all := append([]string{m.primary}, m.replicas...)
	bounded(all, maxConcurrentProbes, func(addr string) {
		err := m.probe.Ping(ctx, addr, m.timeout)
		bad := m.failures.recordAndIsBad(addr, err == nil, m.threshold)
		status := PingOk
		if bad {
			status = PingNotOk
		}
		mu.Lock()
		if addr == m.primary {
			snap.ReadWrite[addr] = status
		} else {
			snap.Read[addr] = status
		}
		mu.Unlock()
	})

	m.out <- snap
}

// --- ReadOnlyMonitor ---

// ReadOnlyMonitor queries each configured replica's read_only flag to
// detect promotion. Hysteresis does not apply to role itself (a role flip
// is reported on the first successful read); a probe failure simply leaves
// the address absent from Roles for this sweep, which the reconciler treats
// as "no information" (spec.md §4.1).
type ReadOnlyMonitor struct {
	probe    probe.BackendProbe
	replicas []string
	period   time.Duration
	timeout  time.Duration
	out      chan<- Snapshot
}

func NewReadOnlyMonitor(p probe.BackendProbe, replicas []string, period, timeout time.Duration, out chan<- Snapshot) *ReadOnlyMonitor {
	return &ReadOnlyMonitor{probe: p, replicas: replicas, period: period, timeout: timeout, out: out}
}

func (m *ReadOnlyMonitor) Run(ctx context.Context) {
	runLoop(ctx, m.period, func() { m.sweep(ctx) })
}

func (m *ReadOnlyMonitor) sweep(ctx context.Context) {
	snap := ReadOnlySnapshot{Roles: make(map[string]config.Role, len(m.replicas))}
	var mu sync.Mutex

	bounded(m.replicas, maxConcurrentProbes, func(addr string) {
		readOnly, err := m.probe.ReadOnlyFlag(ctx, addr, m.timeout)
		if err != nil {
			slog.Debug("read_only probe failed", "addr", addr, "err", err)
			return
		}
		role := config.RoleReplica
		if !readOnly {
			role = config.RolePrimary
		}
		mu.Lock()
		snap.Roles[addr] = role
		mu.Unlock()
	})

	m.out <- snap
}

// --- ReplicationLagMonitor ---

// ReplicationLagMonitor queries replica lag, only for addresses configured
// as replicas at construction time (spec.md §4.1).
type ReplicationLagMonitor struct {
	probe    probe.BackendProbe
	replicas []string
	period   time.Duration
	timeout  time.Duration
	maxLagMs uint64
	out      chan<- Snapshot
}

func NewReplicationLagMonitor(p probe.BackendProbe, replicas []string, period, timeout time.Duration, maxLag time.Duration, out chan<- Snapshot) *ReplicationLagMonitor {
	return &ReplicationLagMonitor{
		probe: p, replicas: replicas, period: period, timeout: timeout,
		maxLagMs: uint64(maxLag / time.Millisecond), out: out,
	}
}

func (m *ReplicationLagMonitor) Run(ctx context.Context) {
	runLoop(ctx, m.period, func() { m.sweep(ctx) })
}

func (m *ReplicationLagMonitor) sweep(ctx context.Context) {
	snap := ReplicationLagSnapshot{Latency: make(map[string]LagInfo, len(m.replicas))}
	var mu sync.Mutex

	bounded(m.replicas, maxConcurrentProbes, func(addr string) {
		lagMs, err := m.probe.ReplicationLag(ctx, addr, m.timeout)
		if err != nil {
			slog.Debug("replication lag probe failed", "addr", addr, "err", err)
			return
		}
		mu.Lock()
		snap.Latency[addr] = LagInfo{LagMs: lagMs, OverThreshold: lagMs > m.maxLagMs}
		mu.Unlock()
	})

	m.out <- snap
}
