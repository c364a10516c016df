// Command rwsplitd runs the read/write-splitting strategy core: four
// monitors, MonitorReconcile, RuleMatcher, Router, a session-level MySQL
// proxy, and the admin REST/dashboard surface, wired together and brought
// up and down in dependency order.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rwsplit/rwsplit/internal/api"
	"github.com/rwsplit/rwsplit/internal/backendpool"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/loadbalance"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/monitor"
	"github.com/rwsplit/rwsplit/internal/probe"
	"github.com/rwsplit/rwsplit/internal/proxy"
	"github.com/rwsplit/rwsplit/internal/reconcile"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/rule"
)

func main() {
	configPath := flag.String("config", "configs/rwsplit.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("rwsplitd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "primary", cfg.Primary.Addr, "replicas", len(cfg.Replicas))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := probe.NewMySQLProbe(cfg.Discovery.User, cfg.Discovery.Password)

	replicaAddrs := make([]string, len(cfg.Replicas))
	for i, r := range cfg.Replicas {
		replicaAddrs[i] = r.Addr
	}
	allAddrs := append([]string{cfg.Primary.Addr}, replicaAddrs...)
	if err := p.SelfTest(ctx, allAddrs, cfg.Discovery.ConnectTimeout); err != nil {
		slog.Warn("startup reachability self-test found unreachable backends, continuing anyway", "err", err)
	}

	m := metrics.New()

	fanIn := make(chan monitor.Snapshot, 16)
	connectMonitor := monitor.NewConnectMonitor(p, cfg.Primary.Addr, replicaAddrs,
		cfg.Discovery.ConnectPeriod, cfg.Discovery.ConnectTimeout, cfg.Discovery.ConnectFailureThreshold, fanIn)
	pingMonitor := monitor.NewPingMonitor(p, cfg.Primary.Addr, replicaAddrs,
		cfg.Discovery.PingPeriod, cfg.Discovery.PingTimeout, cfg.Discovery.PingFailureThreshold, fanIn)
	readOnlyMonitor := monitor.NewReadOnlyMonitor(p, replicaAddrs,
		cfg.Discovery.ReadOnlyPeriod, cfg.Discovery.ReadOnlyTimeout, fanIn)
	lagMonitor := monitor.NewReplicationLagMonitor(p, replicaAddrs,
		cfg.Discovery.ReplicationLagPeriod, cfg.Discovery.ReplicationLagTimeout, cfg.Discovery.MaxReplicationLag, fanIn)

	go connectMonitor.Run(ctx)
	go pingMonitor.Run(ctx)
	go readOnlyMonitor.Run(ctx)
	go lagMonitor.Run(ctx)

	reconciler := reconcile.New(fanIn, cfg.Baseline())
	go reconciler.Run()

	matcher := rule.New(cfg.CompiledRules, cfg.DefaultTarget, cfg.DefaultAlgo)
	registry := loadbalance.NewRegistry()
	rtr := router.New(matcher, registry, reconciler)

	pools := backendpool.NewManager(backendpool.Options{})
	pools.SetOnPoolExhausted(func(addr string) {
		m.PoolExhausted(addr)
	})

	proxyServer := proxy.NewServer(rtr, pools, m)
	if err := proxyServer.Listen(cfg.Listen.ProxyPort); err != nil {
		slog.Error("starting proxy listener", "err", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(reconciler, matcher, rtr, pools, m, cfg.Admin)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		slog.Error("starting api server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("config file changed; rule set and discovery parameters require a restart to take effect")
		_ = newCfg
	})
	if err != nil {
		slog.Warn("config hot-reload unavailable", "err", err)
	}

	slog.Info("rwsplitd ready", "proxy_port", cfg.Listen.ProxyPort, "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	cancel()
	pools.Close()

	slog.Info("rwsplitd stopped")
}
