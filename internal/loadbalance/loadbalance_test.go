package loadbalance

import (
	"testing"

	"github.com/rwsplit/rwsplit/internal/config"
)

func pool() []config.Endpoint {
	return []config.Endpoint{
		{Addr: "a:3306", Weight: 1},
		{Addr: "b:3306", Weight: 3},
	}
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	r := NewRegistry()
	names := []string{NameRandom, NameRoundRobin, NameWeightedRandom, NameWeightedRoundRobin}
	for _, n := range names {
		if r.Resolve(n) == nil {
			t.Errorf("expected %s to resolve", n)
		}
	}
	if r.Resolve("unknown") != nil {
		t.Error("expected unknown algorithm name to resolve to nil")
	}
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	rr := &RoundRobin{}
	p := pool()
	var picks []string
	for i := 0; i < 4; i++ {
		picks = append(picks, rr.Pick(p).Addr)
	}
	want := []string{"a:3306", "b:3306", "a:3306", "b:3306"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("pick %d: expected %s, got %s", i, want[i], picks[i])
		}
	}
}

func TestRandomPicksFromPool(t *testing.T) {
	r := &Random{}
	p := pool()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ep := r.Pick(p)
		seen[ep.Addr] = true
	}
	if len(seen) == 0 {
		t.Error("expected at least one pick")
	}
	for addr := range seen {
		if addr != "a:3306" && addr != "b:3306" {
			t.Errorf("unexpected address picked: %s", addr)
		}
	}
}

func TestWeightedRoundRobinFavorsHigherWeight(t *testing.T) {
	wrr := &WeightedRoundRobin{}
	p := pool()
	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		counts[wrr.Pick(p).Addr]++
	}
	if counts["b:3306"] <= counts["a:3306"] {
		t.Errorf("expected b (weight 3) to be picked more often than a (weight 1), got %+v", counts)
	}
}

func TestWeightedRandomZeroWeightTreatedAsOne(t *testing.T) {
	wr := &WeightedRandom{}
	p := []config.Endpoint{{Addr: "a:3306", Weight: 0}}
	ep := wr.Pick(p)
	if ep.Addr != "a:3306" {
		t.Errorf("expected single-element pool to return that element, got %s", ep.Addr)
	}
}
