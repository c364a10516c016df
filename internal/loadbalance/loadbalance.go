// Package loadbalance implements the named load-balance algorithms the
// Router delegates to after a pool has been selected (spec.md §4.4).
package loadbalance

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rwsplit/rwsplit/internal/config"
)

// Algorithm picks one endpoint from a non-empty pool. Implementations must
// be safe for concurrent use, since the router calls Pick from every
// client-serving goroutine.
type Algorithm interface {
	Pick(pool []config.Endpoint) config.Endpoint
}

// Names of the built-in algorithms, matching the config's algorithm_name
// field (spec.md §3).
const (
	NameRandom             = "random"
	NameRoundRobin         = "round_robin"
	NameWeightedRandom     = "weighted_random"
	NameWeightedRoundRobin = "weighted_round_robin"
)

// Registry resolves an algorithm name to one shared instance per built-in
// algorithm, all created up front by NewRegistry. Each named algorithm keeps its
// own internal counters (e.g. round-robin position), so the registry must
// be reused across calls rather than reconstructed per request.
type Registry struct {
	random             *Random
	roundRobin         *RoundRobin
	weightedRandom     *WeightedRandom
	weightedRoundRobin *WeightedRoundRobin
}

// NewRegistry builds a Registry with one instance of each built-in
// algorithm ready to use.
func NewRegistry() *Registry {
	return &Registry{
		random:             &Random{},
		roundRobin:         &RoundRobin{},
		weightedRandom:     &WeightedRandom{},
		weightedRoundRobin: &WeightedRoundRobin{},
	}
}

// Resolve returns the named algorithm, or nil if the name isn't one of the
// built-ins.
func (r *Registry) Resolve(name string) Algorithm {
	switch name {
	case NameRandom:
		return r.random
	case NameRoundRobin:
		return r.roundRobin
	case NameWeightedRandom:
		return r.weightedRandom
	case NameWeightedRoundRobin:
		return r.weightedRoundRobin
	default:
		return nil
	}
}

// Random picks a uniformly random endpoint from the pool.
type Random struct{}

func (Random) Pick(pool []config.Endpoint) config.Endpoint {
	return pool[rand.IntN(len(pool))]
}

// RoundRobin cycles through the pool in order using a lock-free counter,
// grounded in the resolver's atomic round-robin counter pattern.
type RoundRobin struct {
	counter atomic.Uint64
}

func (rr *RoundRobin) Pick(pool []config.Endpoint) config.Endpoint {
	i := rr.counter.Add(1) - 1
	return pool[int(i%uint64(len(pool)))]
}

// WeightedRandom picks an endpoint with probability proportional to its
// configured Weight (zero or negative weights are treated as 1).
type WeightedRandom struct{}

func (WeightedRandom) Pick(pool []config.Endpoint) config.Endpoint {
	total := totalWeight(pool)
	target := rand.IntN(total)
	for _, ep := range pool {
		target -= weightOf(ep)
		if target < 0 {
			return ep
		}
	}
	return pool[len(pool)-1]
}

// WeightedRoundRobin cycles through the pool proportionally to weight using
// a smooth weighted round-robin: each pick advances every endpoint's
// running counter by its weight and returns whichever has accumulated the
// highest counter, then discounts it by the total weight. This spreads
// picks evenly rather than bursting through one endpoint's full weight
// before moving on.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

func (wrr *WeightedRoundRobin) Pick(pool []config.Endpoint) config.Endpoint {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	if wrr.current == nil {
		wrr.current = make(map[string]int, len(pool))
	}

	total := totalWeight(pool)
	var best config.Endpoint
	bestScore := -1
	for _, ep := range pool {
		wrr.current[ep.Addr] += weightOf(ep)
		if wrr.current[ep.Addr] > bestScore {
			bestScore = wrr.current[ep.Addr]
			best = ep
		}
	}
	wrr.current[best.Addr] -= total
	return best
}

func weightOf(ep config.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func totalWeight(pool []config.Endpoint) int {
	total := 0
	for _, ep := range pool {
		total += weightOf(ep)
	}
	if total <= 0 {
		total = 1
	}
	return total
}
