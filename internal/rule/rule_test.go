package rule

import (
	"regexp"
	"testing"

	"github.com/rwsplit/rwsplit/internal/config"
)

func TestMatchRegexRule(t *testing.T) {
	rules := []config.RoutingRule{
		{
			Kind:     config.RuleRegex,
			Name:     "for-update",
			Target:   config.TargetReadWrite,
			Algo:     "round_robin",
			Compiled: []*regexp.Regexp{regexp.MustCompile(`(?i)SELECT .* FOR UPDATE`)},
		},
	}
	m := New(rules, config.TargetRead, "random")

	target, algo := m.Match("SELECT * FROM accounts FOR UPDATE", config.StatementRead)
	if target != config.TargetReadWrite {
		t.Errorf("expected readwrite target, got %v", target)
	}
	if algo != "round_robin" {
		t.Errorf("expected round_robin, got %s", algo)
	}
}

func TestMatchGenericRule(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetRead, Algo: "weighted_random", StmtType: config.GenericRead},
	}
	m := New(rules, config.TargetReadWrite, "round_robin")

	target, algo := m.Match("SELECT 1", config.StatementRead)
	if target != config.TargetRead || algo != "weighted_random" {
		t.Errorf("expected (read, weighted_random), got (%v, %s)", target, algo)
	}

	target, algo = m.Match("UPDATE t SET x=1", config.StatementWrite)
	if target != config.TargetReadWrite || algo != "round_robin" {
		t.Errorf("expected fallback to defaults for write statement, got (%v, %s)", target, algo)
	}
}

func TestMatchGenericAllMatchesEverything(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetReadWrite, Algo: "round_robin", StmtType: config.GenericAll},
	}
	m := New(rules, config.TargetRead, "random")

	target, _ := m.Match("DELETE FROM t", config.StatementWrite)
	if target != config.TargetReadWrite {
		t.Errorf("expected GenericAll rule to match write statement, got %v", target)
	}
}

func TestMatchFallsBackToDefaultsWhenNoRuleMatches(t *testing.T) {
	m := New(nil, config.TargetRead, "random")
	target, algo := m.Match("SELECT 1", config.StatementRead)
	if target != config.TargetRead || algo != "random" {
		t.Errorf("expected defaults, got (%v, %s)", target, algo)
	}
}

func TestMatchUsesRuleDefaultAlgoWhenRuleOmitsIt(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetRead, Algo: "", StmtType: config.GenericAll},
	}
	m := New(rules, config.TargetReadWrite, "random")
	_, algo := m.Match("SELECT 1", config.StatementRead)
	if algo != "random" {
		t.Errorf("expected empty rule algo to fall back to default, got %s", algo)
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetRead, Algo: "random", StmtType: config.GenericAll},
		{Kind: config.RuleGeneric, Target: config.TargetReadWrite, Algo: "round_robin", StmtType: config.GenericAll},
	}
	m := New(rules, config.TargetReadWrite, "round_robin")
	target, algo := m.Match("SELECT 1", config.StatementRead)
	if target != config.TargetRead || algo != "random" {
		t.Errorf("expected first matching rule to win, got (%v, %s)", target, algo)
	}
}
