// Package reconcile implements MonitorReconcile: the fusion engine that
// turns the four monitors' independent snapshots into a single coherent
// ReadWriteEndpoint (spec.md §4.2).
package reconcile

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/monitor"
)

// Reconciler consumes Snapshot values from a single fan-in channel fed by
// all four monitors and atomically publishes the latest ReadWriteEndpoint
// it derives from them. Readers (the router) never block the writer
// (the Run loop): Latest performs a single atomic load.
type Reconciler struct {
	in       <-chan monitor.Snapshot
	baseline config.ReadWriteEndpoint

	current atomic.Pointer[config.ReadWriteEndpoint]

	lastConnect        atomic.Pointer[monitor.ConnectSnapshot]
	lastPing           atomic.Pointer[monitor.PingSnapshot]
	lastReadOnly       atomic.Pointer[monitor.ReadOnlySnapshot]
	lastReplicationLag atomic.Pointer[monitor.ReplicationLagSnapshot]

	subsMu sync.Mutex
	subs   []chan config.ReadWriteEndpoint
}

// New builds a Reconciler seeded with the configured baseline (the
// read_only endpoint set never mutated after construction) as its initial
// published endpoint, consuming snapshots from in.
func New(in <-chan monitor.Snapshot, baseline config.ReadWriteEndpoint) *Reconciler {
	r := &Reconciler{in: in, baseline: baseline}
	initial := baseline.Clone()
	r.current.Store(&initial)
	return r
}

// Latest returns the most recently published ReadWriteEndpoint. Safe to
// call concurrently with Run; never blocks.
func (r *Reconciler) Latest() config.ReadWriteEndpoint {
	return *r.current.Load()
}

// MonitorSnapshots is the last-seen snapshot of each monitor kind, for
// inspection by the admin API. Fields are nil until that kind has reported
// at least once.
type MonitorSnapshots struct {
	Connect        *monitor.ConnectSnapshot
	Ping           *monitor.PingSnapshot
	ReadOnly       *monitor.ReadOnlySnapshot
	ReplicationLag *monitor.ReplicationLagSnapshot
}

// Snapshots returns the last-seen snapshot of each monitor kind. Not
// synchronized with Latest: absorb runs on the same goroutine as Run, so
// concurrent callers may observe a torn read across the four pointers. This
// is acceptable for a best-effort admin view, unlike Latest which backs
// routing decisions.
func (r *Reconciler) Snapshots() MonitorSnapshots {
	return MonitorSnapshots{
		Connect:        r.lastConnect.Load(),
		Ping:           r.lastPing.Load(),
		ReadOnly:       r.lastReadOnly.Load(),
		ReplicationLag: r.lastReplicationLag.Load(),
	}
}

// Subscribe returns a channel that receives every ReadWriteEndpoint the
// reconciler publishes after a change (spec.md §4.2's "emit only on
// change"). The channel is buffered by 1 and overwrites the pending value
// rather than blocking the reconciler loop if the subscriber falls behind.
func (r *Reconciler) Subscribe() <-chan config.ReadWriteEndpoint {
	ch := make(chan config.ReadWriteEndpoint, 1)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

func (r *Reconciler) publish(endpoint config.ReadWriteEndpoint) {
	r.current.Store(&endpoint)

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- endpoint:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- endpoint:
			default:
			}
		}
	}
}

// Run drains the fan-in channel until it's closed, recomputing and
// conditionally publishing a new ReadWriteEndpoint. The first computation
// waits until all four monitor kinds have reported at least once; after
// that, each round blocks for one new snapshot of any kind, then drains
// whatever else is already buffered without blocking, and reuses the last
// seen snapshot for any kind that didn't report again yet (spec.md §9 Open
// Question). There is no sleep between rounds: the pace is set by the
// monitors' own periods.
func (r *Reconciler) Run() {
	if !r.awaitFirstRound() {
		return
	}

	prev := r.Latest()
	for {
		r.drainAvailable()

		next := r.fuse()
		if !prev.Equal(next) {
			r.publish(next)
			prev = next
		}

		snap, ok := <-r.in
		if !ok {
			return
		}
		r.absorb(snap)
	}
}

// awaitFirstRound blocks until at least one snapshot of each kind has been
// observed, or the channel closes. Returns false if the channel closed
// before that happened.
func (r *Reconciler) awaitFirstRound() bool {
	for r.lastConnect.Load() == nil || r.lastPing.Load() == nil || r.lastReadOnly.Load() == nil || r.lastReplicationLag.Load() == nil {
		snap, ok := <-r.in
		if !ok {
			return false
		}
		r.absorb(snap)
	}
	return true
}

// drainAvailable consumes every snapshot already buffered on the channel
// without blocking, so a tick reflects the freshest data on hand.
func (r *Reconciler) drainAvailable() {
	for {
		select {
		case snap, ok := <-r.in:
			if !ok {
				return
			}
			r.absorb(snap)
		default:
			return
		}
	}
}

func (r *Reconciler) absorb(snap monitor.Snapshot) {
	switch s := snap.(type) {
	case monitor.ConnectSnapshot:
		r.lastConnect.Store(&s)
	case monitor.PingSnapshot:
		r.lastPing.Store(&s)
	case monitor.ReadOnlySnapshot:
		r.lastReadOnly.Store(&s)
	case monitor.ReplicationLagSnapshot:
		r.lastReplicationLag.Store(&s)
	default:
		slog.Warn("reconcile: unknown snapshot type", "type", snap.Kind())
	}
}

// fuse derives a fresh ReadWriteEndpoint from the last-seen snapshot of
// each kind, starting from the immutable baseline every tick so that a
// since-healed backend returns to its baseline bucket rather than staying
// excluded forever (spec.md §4.2).
//
// This is a from-scratch reimplementation of monitor_reconcile.rs's fusion
// logic, correcting three defects present there (spec.md §9):
//   - the read-pool "keep" branch appended the pool onto itself instead of
//     leaving it unchanged, duplicating every retained address every tick;
//   - pool membership was removed by looking up a position in the
//     immutable baseline list and using it to index into the live working
//     pool, which desynchronizes as soon as the two diverge;
//   - the ping-driven promotion check lived nested inside the primary
//     connect-status loop instead of as its own pass, so a ping failure on
//     the primary only triggered a promotion scan when read-pool iteration
//     order happened to reach it first.
//
// Primary determination and read-pool determination are two independent
// passes over the configured replica set, each starting from the baseline.
func (r *Reconciler) fuse() config.ReadWriteEndpoint {
	primary := r.determinePrimary()
	read := r.determineReadPool(primary)

	return config.ReadWriteEndpoint{
		ReadWrite: primary,
		Read:      read,
		ReadOnly:  r.baseline.ReadOnly,
	}
}

// determinePrimary decides which endpoint(s) should serve read/write
// traffic. The configured primary keeps the role unless it is reported
// Disconnected (Connect monitor) or unreachable (Ping monitor), in which
// case any baseline replica whose ReadOnly monitor currently reports
// RolePrimary is promoted. If more than one replica reports promotion in
// the same tick, the lexicographically smallest address wins.
func (r *Reconciler) determinePrimary() []config.Endpoint {
	baselinePrimary := r.baseline.ReadWrite
	if len(baselinePrimary) == 0 {
		return nil
	}
	primaryEndpoint := baselinePrimary[0]

	if r.primaryHealthy(primaryEndpoint.Addr) {
		return []config.Endpoint{primaryEndpoint}
	}

	var candidates []config.Endpoint
	if lastReadOnly := r.lastReadOnly.Load(); lastReadOnly != nil {
		for _, ep := range r.baseline.ReadOnly {
			if role, ok := lastReadOnly.Roles[ep.Addr]; ok && role == config.RolePrimary {
				candidates = append(candidates, ep)
			}
		}
	}
	if len(candidates) == 0 {
		// No promotion evidence yet; keep reporting the configured
		// primary so the pool isn't left empty while a failover is
		// in flight.
		return []config.Endpoint{primaryEndpoint}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Addr < candidates[j].Addr })
	promoted := candidates[0]
	promoted.Role = config.RolePrimary
	return []config.Endpoint{promoted}
}

func (r *Reconciler) primaryHealthy(addr string) bool {
	if lastConnect := r.lastConnect.Load(); lastConnect != nil {
		if status, ok := lastConnect.ReadWrite[addr]; ok && status == monitor.Disconnected {
			return false
		}
	}
	if lastPing := r.lastPing.Load(); lastPing != nil {
		if status, ok := lastPing.ReadWrite[addr]; ok && status == monitor.PingNotOk {
			return false
		}
	}
	return true
}

// determineReadPool decides which baseline replicas remain eligible for
// read traffic: excluded if Connect reports Disconnected, if Ping reports
// PingNotOk, if ReplicationLag reports OverThreshold, or if the address was
// just promoted into primary (spec.md §8 scenario 3: a promoted replica
// leaves the read pool the same tick it enters the readwrite pool, keeping
// readwrite ∩ read = ∅); included (reporting no information defaults to
// included, since a probe that hasn't run yet is not evidence of a
// problem).
func (r *Reconciler) determineReadPool(primary []config.Endpoint) []config.Endpoint {
	promoted := make(map[string]bool, len(primary))
	for _, ep := range primary {
		promoted[ep.Addr] = true
	}

	lastConnect := r.lastConnect.Load()
	lastPing := r.lastPing.Load()
	lastReplicationLag := r.lastReplicationLag.Load()

	var read []config.Endpoint
	for _, ep := range r.baseline.Read {
		if promoted[ep.Addr] {
			continue
		}
		if lastConnect != nil {
			if status, ok := lastConnect.Read[ep.Addr]; ok && status == monitor.Disconnected {
				continue
			}
		}
		if lastPing != nil {
			if status, ok := lastPing.Read[ep.Addr]; ok && status == monitor.PingNotOk {
				continue
			}
		}
		if lastReplicationLag != nil {
			if lag, ok := lastReplicationLag.Latency[ep.Addr]; ok && lag.OverThreshold {
				continue
			}
		}
		read = append(read, ep)
	}
	return read
}
