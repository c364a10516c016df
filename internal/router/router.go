// Package router implements Router: it turns a classified SQL statement
// into a single backend endpoint, by asking a RuleMatcher which pool to use
// and a named load-balance algorithm which member of that pool to pick
// (spec.md §4.4).
package router

import (
	"errors"
	"fmt"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/loadbalance"
	"github.com/rwsplit/rwsplit/internal/rule"
)

// ErrNoEligibleBackend is returned when the selected pool is empty — every
// backend in that role has been excluded by the reconciler (spec.md §4.4).
var ErrNoEligibleBackend = errors.New("router: no eligible backend in selected pool")

// EndpointSource supplies the latest reconciled endpoint set. Implemented by
// *reconcile.Reconciler; kept as an interface here so router doesn't import
// reconcile, matching the teacher's habit of depending on the narrowest
// interface a collaborator needs.
type EndpointSource interface {
	Latest() config.ReadWriteEndpoint
}

// Router is the hot-path entry point: one Route call per routed statement.
// Route never blocks on reconciliation — it reads whatever EndpointSource
// currently has published.
type Router struct {
	matcher  *rule.Matcher
	registry *loadbalance.Registry
	source   EndpointSource
}

// New builds a Router over the given rule matcher, algorithm registry, and
// endpoint source.
func New(matcher *rule.Matcher, registry *loadbalance.Registry, source EndpointSource) *Router {
	return &Router{matcher: matcher, registry: registry, source: source}
}

// Route classifies sql via the configured rules, selects the matching pool
// from the latest reconciled endpoint set, and delegates the final pick to
// the named load-balance algorithm.
func (r *Router) Route(sql string, stmtType config.StatementType) (config.Endpoint, error) {
	target, algoName := r.matcher.Match(sql, stmtType)

	latest := r.source.Latest()
	pool := latest.Read
	if target == config.TargetReadWrite {
		pool = latest.ReadWrite
	}
	if len(pool) == 0 {
		return config.Endpoint{}, ErrNoEligibleBackend
	}

	algo := r.registry.Resolve(algoName)
	if algo == nil {
		return config.Endpoint{}, fmt.Errorf("router: unknown load-balance algorithm %q", algoName)
	}
	return algo.Pick(pool), nil
}
