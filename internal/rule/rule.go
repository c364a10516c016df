// Package rule implements RuleMatcher: selection of a target pool and
// load-balance algorithm for an incoming statement, from the configured
// Regex and Generic routing rules (spec.md §4.3).
package rule

import (
	"github.com/rwsplit/rwsplit/internal/config"
)

// Matcher evaluates a SQL statement against the configured routing rules in
// order and returns the first match's target role and algorithm name,
// falling back to the configured defaults when nothing matches.
type Matcher struct {
	rules        []config.RoutingRule
	defaultTarget config.TargetRole
	defaultAlgo   string
}

// New builds a Matcher from compiled rules in configured order, plus the
// defaults to fall back on.
func New(rules []config.RoutingRule, defaultTarget config.TargetRole, defaultAlgo string) *Matcher {
	return &Matcher{rules: rules, defaultTarget: defaultTarget, defaultAlgo: defaultAlgo}
}

// Rules returns the configured rules in match order, for inspection by the
// admin API.
func (m *Matcher) Rules() []config.RoutingRule {
	return m.rules
}

// Match returns the target pool and algorithm name for a statement, given
// its raw SQL text and the StatementType the external classifier assigned.
func (m *Matcher) Match(sql string, stmtType config.StatementType) (config.TargetRole, string) {
	for _, r := range m.rules {
		switch r.Kind {
		case config.RuleRegex:
			for _, re := range r.Compiled {
				if re.MatchString(sql) {
					return r.Target, m.algoOrDefault(r.Algo)
				}
			}
		case config.RuleGeneric:
			if genericMatches(r.StmtType, stmtType) {
				return r.Target, m.algoOrDefault(r.Algo)
			}
		}
	}
	return m.defaultTarget, m.defaultAlgo
}

func genericMatches(want config.GenericStatementType, got config.StatementType) bool {
	switch want {
	case config.GenericAll:
		return true
	case config.GenericRead:
		return got == config.StatementRead
	case config.GenericWrite:
		return got == config.StatementWrite
	default:
		return false
	}
}

func (m *Matcher) algoOrDefault(algo string) string {
	if algo == "" {
		return m.defaultAlgo
	}
	return algo
}
