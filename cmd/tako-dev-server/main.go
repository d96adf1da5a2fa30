// Command tako-dev-server runs the same runtime plane as tako-server,
// additionally wiring the local development CA so the SNI resolver can
// issue certificates on demand for any *.tako.local domain the first
// time it's seen, and loading a .env file before parsing the server
// config, matching the teacher's own dev-binary startup shape.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/takohq/tako/internal/coldstart"
	"github.com/takohq/tako/internal/config"
	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/defaults"
	"github.com/takohq/tako/internal/devca"
	"github.com/takohq/tako/internal/dnsserver"
	"github.com/takohq/tako/internal/health"
	"github.com/takohq/tako/internal/idle"
	"github.com/takohq/tako/internal/keychain"
	"github.com/takohq/tako/internal/logging"
	"github.com/takohq/tako/internal/reaper"
	"github.com/takohq/tako/internal/rolling"
	"github.com/takohq/tako/internal/routing"
	"github.com/takohq/tako/internal/socket"
	"github.com/takohq/tako/internal/spawner"
	"github.com/takohq/tako/internal/tlsresolve"
)

func main() {
	if err := run(); err != nil {
		logging.Errorf("tako-dev-server: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Warnf("failed to load .env: %v", err)
	}

	home, err := defaults.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	configPath := os.Getenv("TAKO_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(home, "tako.dev.yaml")
	}
	var cfg config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg, _ = config.LoadFromBytes([]byte("DevMode: \"true\"\n"))
	}

	registry := core.NewRegistry()
	sp := spawner.New(&http.Client{Timeout: cfg.ProbeTimeout()})
	updater := rolling.New(sp, rolling.Config{
		BatchSize:      cfg.Rolling.BatchSize,
		StartupTimeout: cfg.RollingStartupTimeout(),
		DrainGrace:     10 * time.Second,
	})
	checker := health.New(&http.Client{Timeout: cfg.ProbeTimeout()}, health.Config{
		HealthPath:         cfg.Health.Path,
		Interval:           cfg.HealthCheckInterval(),
		ProbeTimeout:       cfg.ProbeTimeout(),
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		DeadThreshold:      cfg.Health.DeadThreshold,
	})
	coldStarts := coldstart.NewManager()
	idleMonitor := idle.New(idle.Config{
		CheckInterval:      cfg.IdleCheckInterval(),
		DefaultIdleTimeout: cfg.IdleTimeout(),
	}, func(app *core.App, inst *core.Instance) {
		rolling.DrainAndStop(app, inst, 10*time.Second)
	}, coldStarts)

	caDir := defaults.CADir(home)
	store := keychain.New(cfg.Keychain.ServiceName, cfg.Keychain.AccountName)
	useKeychain := keychain.Available(cfg.IsKeychainDisabled())
	ca, err := devca.LoadOrCreate(caDir, store, useKeychain)
	if err != nil {
		return fmt.Errorf("load dev CA: %w", err)
	}

	certDir := cfg.CertDir
	if !filepath.IsAbs(certDir) {
		certDir = filepath.Join(home, certDir)
	}
	if err := os.MkdirAll(certDir, 0755); err != nil {
		return fmt.Errorf("prepare cert directory: %w", err)
	}
	resolver := tlsresolve.New(certDir, ca)
	if loaded, err := resolver.LoadCertDir(); err != nil {
		logging.Warnf("load existing certs from %s: %v", certDir, err)
	} else {
		logging.Infof("loaded %d existing certificate(s) from %s", loaded, certDir)
	}
	if err := resolver.WatchCertDir(); err != nil {
		logging.Warnf("cert directory watch unavailable: %v", err)
	}
	defer resolver.Close()

	socketDir := defaults.SocketDir(home)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("prepare socket directory: %w", err)
	}
	if removed, err := reaper.Sweep(socketDir); err != nil {
		logging.Warnf("startup reaper sweep failed: %v", err)
	} else if len(removed) > 0 {
		logging.Infof("startup reaper sweep removed %d stale socket(s)", len(removed))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(cfg.ReaperCron, func() {
		if removed, err := reaper.Sweep(socketDir); err != nil {
			logging.Warnf("scheduled reaper sweep failed: %v", err)
		} else if len(removed) > 0 {
			logging.Infof("scheduled reaper sweep removed %d stale socket(s)", len(removed))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	go idleMonitor.Run(ctx, registry.Apps)
	go runHealthChecks(ctx, registry, checker, cfg)

	loopback := parseIPOrDefault(cfg.DevLoopbackIP, "127.77.0.1")
	dnsSrv := &dnsserver.Server{
		Addr: cfg.DNSAddr,
		Responder: &dnsserver.Responder{
			LoopbackIP: loopback,
			Known:      func(name string) bool { return knownHost(registry, name) },
		},
	}
	go func() {
		if err := dnsSrv.ListenAndServe(ctx); err != nil {
			logging.Errorf("dns server stopped: %v", err)
		}
	}()

	socketPath := cfg.ControlSocketPath
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(home, socketPath)
	}
	ln, err := socket.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("listen control socket: %w", err)
	}

	srv := &socket.Server{
		SocketPath: socketPath,
		Registry:   registry,
		Updater:    updater,
		AllocPort:  func(appName string) (uint16, error) { return registry.AllocatePort(appName, 20000, 29999) },
		HealthURL:  func(appName string, port uint16) string { return fmt.Sprintf("http://127.0.0.1:%d%s", port, cfg.Health.Path) },
		DevMode:    true,
	}

	logging.Infof("tako-dev-server listening on control socket %s", socketPath)
	return srv.Serve(ctx, ln)
}

func runHealthChecks(ctx context.Context, registry *core.Registry, checker *health.Checker, cfg config.Config) {
	ticker := time.NewTicker(cfg.HealthCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, app := range registry.Apps() {
				checker.CheckOnce(ctx, app, func(inst *core.Instance) string {
					return fmt.Sprintf("http://127.0.0.1:%d%s", inst.Port, cfg.Health.Path)
				})
			}
		}
	}
}

func knownHost(registry *core.Registry, name string) bool {
	for _, app := range registry.Apps() {
		for _, route := range app.Routes() {
			if routing.HostMatches(route.Host, name) {
				return true
			}
		}
	}
	return false
}

func parseIPOrDefault(s, fallback string) net.IP {
	if ip := net.ParseIP(s); ip != nil {
		return ip
	}
	return net.ParseIP(fallback)
}
