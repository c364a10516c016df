package router

import (
	"regexp"
	"testing"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/loadbalance"
	"github.com/rwsplit/rwsplit/internal/rule"
)

type fakeSource struct {
	endpoint config.ReadWriteEndpoint
}

func (f fakeSource) Latest() config.ReadWriteEndpoint { return f.endpoint }

func TestRouteReadStatementToReadPool(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetRead, Algo: "round_robin", StmtType: config.GenericRead},
	}
	matcher := rule.New(rules, config.TargetReadWrite, "round_robin")
	src := fakeSource{endpoint: config.ReadWriteEndpoint{
		ReadWrite: []config.Endpoint{{Addr: "p:3306"}},
		Read:      []config.Endpoint{{Addr: "r1:3306"}},
	}}
	r := New(matcher, loadbalance.NewRegistry(), src)

	ep, err := r.Route("SELECT 1", config.StatementRead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Addr != "r1:3306" {
		t.Errorf("expected r1:3306, got %s", ep.Addr)
	}
}

func TestRouteWriteStatementToPrimary(t *testing.T) {
	matcher := rule.New(nil, config.TargetReadWrite, "round_robin")
	src := fakeSource{endpoint: config.ReadWriteEndpoint{
		ReadWrite: []config.Endpoint{{Addr: "p:3306"}},
	}}
	r := New(matcher, loadbalance.NewRegistry(), src)

	ep, err := r.Route("UPDATE t SET x=1", config.StatementWrite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Addr != "p:3306" {
		t.Errorf("expected p:3306, got %s", ep.Addr)
	}
}

func TestRouteReturnsErrNoEligibleBackendWhenPoolEmpty(t *testing.T) {
	matcher := rule.New(nil, config.TargetRead, "round_robin")
	src := fakeSource{endpoint: config.ReadWriteEndpoint{
		ReadWrite: []config.Endpoint{{Addr: "p:3306"}},
		Read:      nil,
	}}
	r := New(matcher, loadbalance.NewRegistry(), src)

	_, err := r.Route("SELECT 1", config.StatementRead)
	if err != ErrNoEligibleBackend {
		t.Errorf("expected ErrNoEligibleBackend, got %v", err)
	}
}

func TestRouteReturnsErrorForUnknownAlgorithm(t *testing.T) {
	rules := []config.RoutingRule{
		{Kind: config.RuleGeneric, Target: config.TargetRead, Algo: "made_up", StmtType: config.GenericAll},
	}
	matcher := rule.New(rules, config.TargetReadWrite, "round_robin")
	src := fakeSource{endpoint: config.ReadWriteEndpoint{
		Read: []config.Endpoint{{Addr: "r1:3306"}},
	}}
	r := New(matcher, loadbalance.NewRegistry(), src)

	if _, err := r.Route("SELECT 1", config.StatementRead); err == nil {
		t.Error("expected error for unknown algorithm name")
	}
}

func TestRouteRegexRuleOverridesDefault(t *testing.T) {
	rules := []config.RoutingRule{
		{
			Kind:     config.RuleRegex,
			Target:   config.TargetReadWrite,
			Algo:     "round_robin",
			Compiled: []*regexp.Regexp{regexp.MustCompile(`(?i)FOR UPDATE`)},
		},
	}
	matcher := rule.New(rules, config.TargetRead, "round_robin")
	src := fakeSource{endpoint: config.ReadWriteEndpoint{
		ReadWrite: []config.Endpoint{{Addr: "p:3306"}},
		Read:      []config.Endpoint{{Addr: "r1:3306"}},
	}}
	r := New(matcher, loadbalance.NewRegistry(), src)

	ep, err := r.Route("SELECT * FROM t FOR UPDATE", config.StatementRead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Addr != "p:3306" {
		t.Errorf("expected regex rule to route to primary, got %s", ep.Addr)
	}
}
