// Package config holds the data model and YAML schema for the read/write
// splitting strategy core: endpoints, routing rules, and the dynamic
// discovery configuration that drives the monitors.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Role is the role of a backend endpoint.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// Endpoint is an addressable backend database instance. Immutable once
// created; identity is Addr.
type Endpoint struct {
	Name   string `json:"name" yaml:"name"`
	Addr   string `json:"addr" yaml:"addr"`
	Weight int    `json:"weight" yaml:"weight"`
	Role   Role   `json:"role" yaml:"-"`
}

// ReadWriteEndpoint is the fused, currently-selectable pool set.
//
// Invariant: an address appears in at most one of {ReadWrite, Read} at any
// instant. ReadOnly is the configured-replica baseline and is never mutated
// by reconciliation; ReadWrite and Read are the live pools.
type ReadWriteEndpoint struct {
	ReadWrite []Endpoint `json:"readwrite"`
	Read      []Endpoint `json:"read"`
	ReadOnly  []Endpoint `json:"read_only"`
}

// Equal compares two ReadWriteEndpoint values by multiset of addresses in
// each live pool (ReadWrite and Read); the ReadOnly baseline is not compared.
func (e ReadWriteEndpoint) Equal(o ReadWriteEndpoint) bool {
	return sameAddrSet(e.ReadWrite, o.ReadWrite) && sameAddrSet(e.Read, o.Read)
}

func sameAddrSet(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, e := range a {
		counts[e.Addr]++
	}
	for _, e := range b {
		counts[e.Addr]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy suitable for safe concurrent reads (immutable
// once returned from reconcile.Reconciler.Latest).
func (e ReadWriteEndpoint) Clone() ReadWriteEndpoint {
	return ReadWriteEndpoint{
		ReadWrite: append([]Endpoint(nil), e.ReadWrite...),
		Read:      append([]Endpoint(nil), e.Read...),
		ReadOnly:  append([]Endpoint(nil), e.ReadOnly...),
	}
}

// TargetRole is the pool a routing rule selects.
type TargetRole int

const (
	TargetReadWrite TargetRole = iota
	TargetRead
)

// UnmarshalYAML implements custom lowercase parsing ("read" / "readwrite").
func (t *TargetRole) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "read":
		*t = TargetRead
	case "readwrite", "":
		*t = TargetReadWrite
	default:
		return fmt.Errorf("unknown target role %q (must be read or readwrite)", s)
	}
	return nil
}

// StatementType classifies an incoming SQL statement. Produced by the
// external StatementClassifier collaborator; the core only consumes it.
type StatementType int

const (
	StatementRead StatementType = iota
	StatementWrite
)

// RuleKind tags a RoutingRule as Regex or Generic.
type RuleKind int

const (
	RuleRegex RuleKind = iota
	RuleGeneric
)

// GenericStatementType is the statement_type selector for a Generic rule.
type GenericStatementType int

const (
	GenericRead GenericStatementType = iota
	GenericWrite
	GenericAll
)

// RoutingRule is a single configured rule, tagged Regex or Generic.
// Only the fields relevant to Kind are populated.
type RoutingRule struct {
	Kind     RuleKind
	Name     string
	Target   TargetRole
	Algo     string
	Patterns []string         // Regex variant: raw patterns from config
	Compiled []*regexp.Regexp // Regex variant: compiled once at Load time
	StmtType GenericStatementType // Generic variant
}

// rawRule mirrors the on-disk "untagged" rule schema: a Regex rule carries
// a non-empty `regex` list; a Generic rule omits it and carries
// `statement_type` instead.
type rawRule struct {
	Name          string     `yaml:"name"`
	Type          string     `yaml:"type"`
	Regex         []string   `yaml:"regex"`
	Target        TargetRole `yaml:"target"`
	Algorithm     string     `yaml:"algorithm_name"`
	StatementType string     `yaml:"statement_type"`
}

// MHADiscoveryConfig is the primary-HA discovery variant (spec.md §3/§6).
type MHADiscoveryConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	ConnectPeriod           time.Duration `yaml:"connect_period"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ConnectFailureThreshold int           `yaml:"connect_failure_threshold"`

	PingPeriod           time.Duration `yaml:"ping_period"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	PingFailureThreshold int           `yaml:"ping_failure_threshold"`

	// ReplicationLagFailureThreshold is parsed and defaulted but not read:
	// the ReplicationLagMonitor takes no failure threshold.
	ReplicationLagPeriod           time.Duration `yaml:"replication_lag_period"`
	ReplicationLagTimeout          time.Duration `yaml:"replication_lag_timeout"`
	ReplicationLagFailureThreshold int           `yaml:"replication_lag_failure_threshold"`
	MaxReplicationLag              time.Duration `yaml:"max_replication_lag"`

	// ReadOnlyFailureThreshold is parsed and defaulted but not read: the
	// ReadOnlyMonitor takes no failure threshold.
	ReadOnlyPeriod           time.Duration `yaml:"read_only_period"`
	ReadOnlyTimeout          time.Duration `yaml:"read_only_timeout"`
	ReadOnlyFailureThreshold int           `yaml:"read_only_failure_threshold"`

	// MonitorPeriod is parsed and defaulted but not read by the reconciler,
	// which takes no interval and recomputes on every snapshot it receives.
	MonitorPeriod time.Duration `yaml:"monitor_period"`
}

// Discovery defaults, per spec.md §3.
const (
	defaultPeriod           = time.Second
	defaultTimeout          = 6 * time.Second
	defaultFailureThreshold = 1
	defaultMaxLag           = 10 * time.Second
)

func (m *MHADiscoveryConfig) applyDefaults() {
	if m.ConnectPeriod == 0 {
		m.ConnectPeriod = defaultPeriod
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = defaultTimeout
	}
	if m.ConnectFailureThreshold == 0 {
		m.ConnectFailureThreshold = defaultFailureThreshold
	}
	if m.PingPeriod == 0 {
		m.PingPeriod = defaultPeriod
	}
	if m.PingTimeout == 0 {
		m.PingTimeout = defaultTimeout
	}
	if m.PingFailureThreshold == 0 {
		m.PingFailureThreshold = defaultFailureThreshold
	}
	if m.ReplicationLagPeriod == 0 {
		m.ReplicationLagPeriod = defaultPeriod
	}
	if m.ReplicationLagTimeout == 0 {
		m.ReplicationLagTimeout = defaultTimeout
	}
	if m.ReplicationLagFailureThreshold == 0 {
		m.ReplicationLagFailureThreshold = defaultFailureThreshold
	}
	if m.MaxReplicationLag == 0 {
		m.MaxReplicationLag = defaultMaxLag
	}
	if m.ReadOnlyPeriod == 0 {
		m.ReadOnlyPeriod = defaultPeriod
	}
	if m.ReadOnlyTimeout == 0 {
		m.ReadOnlyTimeout = defaultTimeout
	}
	if m.ReadOnlyFailureThreshold == 0 {
		m.ReadOnlyFailureThreshold = defaultFailureThreshold
	}
	if m.MonitorPeriod == 0 {
		m.MonitorPeriod = defaultPeriod
	}
}

// ListenConfig configures the ports the proxy and admin API bind to.
type ListenConfig struct {
	ProxyPort int `yaml:"proxy_port"`
	APIPort   int `yaml:"api_port"`
}

func (l *ListenConfig) applyDefaults() {
	if l.ProxyPort == 0 {
		l.ProxyPort = 6033
	}
	if l.APIPort == 0 {
		l.APIPort = 8080
	}
}

// AdminConfig secures the admin REST/dashboard surface (internal/api) with
// HTTP Basic Auth. PasswordHash is a bcrypt hash, never a plaintext
// password; leaving Username empty disables auth entirely, which is the
// default for local/dev use.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Config is the top-level configuration for the strategy core.
type Config struct {
	DefaultTarget TargetRole         `yaml:"default_target"`
	DefaultAlgo   string             `yaml:"default_algorithm"`
	Rules         []rawRule          `yaml:"rule"`
	Primary       Endpoint           `yaml:"primary"`
	Replicas      []Endpoint         `yaml:"replicas"`
	Discovery     MHADiscoveryConfig `yaml:"discovery"`
	Admin         AdminConfig        `yaml:"admin"`
	Listen        ListenConfig       `yaml:"listen"`

	CompiledRules []RoutingRule `yaml:"-"`
}

// Baseline builds the configured-baseline ReadWriteEndpoint: all replicas in
// Read, the configured primary in ReadWrite, ReadOnly populated once from
// config and never mutated thereafter (spec.md §3 Lifecycles).
func (c *Config) Baseline() ReadWriteEndpoint {
	primary := c.Primary
	primary.Role = RolePrimary
	readOnly := make([]Endpoint, len(c.Replicas))
	read := make([]Endpoint, len(c.Replicas))
	for i, r := range c.Replicas {
		r.Role = RoleReplica
		readOnly[i] = r
		read[i] = r
	}
	return ReadWriteEndpoint{
		ReadWrite: []Endpoint{primary},
		Read:      read,
		ReadOnly:  readOnly,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, matching the teacher's config-loading convention.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// compiles routing rules, validates, and applies defaults. A compile or
// validation failure is a fatal ConfigError per spec.md §7.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Discovery.applyDefaults()
	cfg.Listen.applyDefaults()

	if err := cfg.compileRules(); err != nil {
		return nil, fmt.Errorf("compiling routing rules: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// compileRules turns the raw untagged rule list into typed RoutingRules,
// compiling every regex pattern exactly once. A bad pattern is a fatal
// ConfigError (spec.md §4.3, §7).
func (c *Config) compileRules() error {
	c.CompiledRules = make([]RoutingRule, 0, len(c.Rules))
	for _, raw := range c.Rules {
		if len(raw.Regex) > 0 {
			compiled := make([]*regexp.Regexp, 0, len(raw.Regex))
			for _, p := range raw.Regex {
				re, err := regexp.Compile(p)
				if err != nil {
					return fmt.Errorf("rule %q: bad regex %q: %w", raw.Name, p, err)
				}
				compiled = append(compiled, re)
			}
			c.CompiledRules = append(c.CompiledRules, RoutingRule{
				Kind:     RuleRegex,
				Name:     raw.Name,
				Target:   raw.Target,
				Algo:     raw.Algorithm,
				Patterns: raw.Regex,
				Compiled: compiled,
			})
			continue
		}

		var st GenericStatementType
		switch raw.StatementType {
		case "read", "Read":
			st = GenericRead
		case "write", "Write":
			st = GenericWrite
		case "", "all", "All":
			st = GenericAll
		default:
			return fmt.Errorf("rule %q: unknown statement_type %q", raw.Name, raw.StatementType)
		}
		c.CompiledRules = append(c.CompiledRules, RoutingRule{
			Kind:     RuleGeneric,
			Name:     raw.Name,
			Target:   raw.Target,
			Algo:     raw.Algorithm,
			StmtType: st,
		})
	}
	return nil
}

func (c *Config) validate() error {
	if c.Primary.Addr == "" {
		return fmt.Errorf("primary endpoint is required")
	}
	seen := map[string]bool{c.Primary.Addr: true}
	for _, r := range c.Replicas {
		if r.Addr == "" {
			return fmt.Errorf("replica endpoint missing addr")
		}
		if seen[r.Addr] {
			return fmt.Errorf("duplicate endpoint addr %q", r.Addr)
		}
		seen[r.Addr] = true
	}
	if c.Discovery.User == "" {
		return fmt.Errorf("discovery.user is required")
	}
	if c.DefaultAlgo == "" {
		c.DefaultAlgo = "round_robin"
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the
// reloaded config. Matches the teacher's debounced fsnotify watcher shape.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
