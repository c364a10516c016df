package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rwsplit/rwsplit/internal/config"
)

type fakeProbe struct {
	mu           sync.Mutex
	connectErr   map[string]error
	pingErr      map[string]error
	readOnly     map[string]bool
	readOnlyErr  map[string]error
	lag          map[string]uint64
	lagErr       map[string]error
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		connectErr:  make(map[string]error),
		pingErr:     make(map[string]error),
		readOnly:    make(map[string]bool),
		readOnlyErr: make(map[string]error),
		lag:         make(map[string]uint64),
		lagErr:      make(map[string]error),
	}
}

func (f *fakeProbe) TryConnect(ctx context.Context, addr string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr[addr]
}

func (f *fakeProbe) Ping(ctx context.Context, addr string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[addr]
}

func (f *fakeProbe) ReadOnlyFlag(ctx context.Context, addr string, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readOnlyErr[addr]; err != nil {
		return false, err
	}
	return f.readOnly[addr], nil
}

func (f *fakeProbe) ReplicationLag(ctx context.Context, addr string, timeout time.Duration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lagErr[addr]; err != nil {
		return 0, err
	}
	return f.lag[addr], nil
}

func (f *fakeProbe) setConnectErr(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr[addr] = err
}

func TestConnectMonitorHysteresisRequiresConsecutiveFailures(t *testing.T) {
	fp := newFakeProbe()
	fp.setConnectErr("r1:3306", errors.New("refused"))

	out := make(chan Snapshot, 10)
	m := NewConnectMonitor(fp, "p:3306", []string{"r1:3306"}, time.Hour, time.Second, 3, out)

	m.sweep(context.Background())
	snap := (<-out).(ConnectSnapshot)
	if snap.Read["r1:3306"] != Connected {
		t.Fatalf("expected status to stay Connected before threshold reached, got %v", snap.Read["r1:3306"])
	}

	m.sweep(context.Background())
	<-out
	m.sweep(context.Background())
	snap = (<-out).(ConnectSnapshot)
	if snap.Read["r1:3306"] != Disconnected {
		t.Fatalf("expected Disconnected after 3 consecutive failures, got %v", snap.Read["r1:3306"])
	}
}

func TestConnectMonitorResetsOnSuccess(t *testing.T) {
	fp := newFakeProbe()
	fp.setConnectErr("r1:3306", errors.New("refused"))

	out := make(chan Snapshot, 10)
	m := NewConnectMonitor(fp, "p:3306", []string{"r1:3306"}, time.Hour, time.Second, 2, out)

	m.sweep(context.Background())
	<-out
	m.sweep(context.Background())
	snap := (<-out).(ConnectSnapshot)
	if snap.Read["r1:3306"] != Disconnected {
		t.Fatalf("expected Disconnected after 2 consecutive failures, got %v", snap.Read["r1:3306"])
	}

	fp.setConnectErr("r1:3306", nil)
	m.sweep(context.Background())
	snap = (<-out).(ConnectSnapshot)
	if snap.Read["r1:3306"] != Connected {
		t.Fatalf("expected immediate reset to Connected on first success, got %v", snap.Read["r1:3306"])
	}
}

func TestConnectMonitorPrimaryGoesInReadWriteBucket(t *testing.T) {
	fp := newFakeProbe()
	out := make(chan Snapshot, 10)
	m := NewConnectMonitor(fp, "p:3306", []string{"r1:3306", "r2:3306"}, time.Hour, time.Second, 1, out)

	m.sweep(context.Background())
	snap := (<-out).(ConnectSnapshot)
	if _, ok := snap.ReadWrite["p:3306"]; !ok {
		t.Error("expected primary address in ReadWrite bucket")
	}
	if len(snap.Read) != 2 {
		t.Errorf("expected 2 replicas in Read bucket, got %d", len(snap.Read))
	}
}

func TestReadOnlyMonitorReportsRoles(t *testing.T) {
	fp := newFakeProbe()
	fp.readOnly["r1:3306"] = true
	fp.readOnly["r2:3306"] = false // promoted

	out := make(chan Snapshot, 10)
	m := NewReadOnlyMonitor(fp, []string{"r1:3306", "r2:3306"}, time.Hour, time.Second, out)
	m.sweep(context.Background())

	snap := (<-out).(ReadOnlySnapshot)
	if snap.Roles["r1:3306"] != config.RoleReplica {
		t.Error("expected r1 to report Replica role")
	}
	if snap.Roles["r2:3306"] != config.RolePrimary {
		t.Error("expected r2 to report Primary role after promotion")
	}
}

func TestReadOnlyMonitorOmitsFailedProbes(t *testing.T) {
	fp := newFakeProbe()
	fp.readOnlyErr["r1:3306"] = errors.New("timeout")

	out := make(chan Snapshot, 10)
	m := NewReadOnlyMonitor(fp, []string{"r1:3306"}, time.Hour, time.Second, out)
	m.sweep(context.Background())

	snap := (<-out).(ReadOnlySnapshot)
	if _, ok := snap.Roles["r1:3306"]; ok {
		t.Error("expected failed probe to be omitted from Roles, not defaulted")
	}
}

func TestReplicationLagMonitorFlagsOverThreshold(t *testing.T) {
	fp := newFakeProbe()
	fp.lag["r1:3306"] = 500
	fp.lag["r2:3306"] = 50000

	out := make(chan Snapshot, 10)
	m := NewReplicationLagMonitor(fp, []string{"r1:3306", "r2:3306"}, time.Hour, time.Second, 10*time.Second, out)
	m.sweep(context.Background())

	snap := (<-out).(ReplicationLagSnapshot)
	if snap.Latency["r1:3306"].OverThreshold {
		t.Error("expected r1 lag to be under threshold")
	}
	if !snap.Latency["r2:3306"].OverThreshold {
		t.Error("expected r2 lag to be over threshold")
	}
}
