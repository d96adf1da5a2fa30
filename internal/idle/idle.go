// Package idle periodically scans each app's healthy instances for ones
// that have had no activity for longer than the app's idle timeout and
// have no in-flight requests, stopping as many of them as can be
// stopped without dropping below the app's declared minimum instance
// count. Grounded on the original idle monitor's can_stop computation
// and its separate AppIdle signal for apps that have scaled to zero
// entirely.
package idle

import (
	"context"
	"sort"
	"time"

	"github.com/takohq/tako/internal/core"
)

// Config controls sweep cadence and the fallback idle timeout for apps
// that declare none of their own.
type Config struct {
	CheckInterval      time.Duration
	DefaultIdleTimeout time.Duration
}

// StopFunc drains and stops an instance found idle by a sweep. Idle
// candidates are already filtered to zero in-flight requests, so the
// caller is free to use a short or zero drain grace.
type StopFunc func(app *core.App, inst *core.Instance)

// ColdStartResetter clears an app's cold-start record once it has
// scaled all the way down to zero, so the next request starts a fresh
// single-flight cycle instead of seeing a stale one.
type ColdStartResetter interface {
	Reset(appName string)
}

// Monitor sweeps apps for idle instances and stops the ones it finds.
type Monitor struct {
	cfg        Config
	stop       StopFunc
	coldStarts ColdStartResetter
}

// New constructs a Monitor. stop performs the actual drain-and-stop for
// an instance a sweep decides to retire; coldStarts may be nil, in
// which case a scale-to-zero app's cold-start record is left alone.
func New(cfg Config, stop StopFunc, coldStarts ColdStartResetter) *Monitor {
	return &Monitor{cfg: cfg, stop: stop, coldStarts: coldStarts}
}

func (m *Monitor) idleTimeoutFor(cfg core.Config) time.Duration {
	if cfg.IdleTimeout > 0 {
		return time.Duration(cfg.IdleTimeout) * time.Second
	}
	return m.cfg.DefaultIdleTimeout
}

// SweepOnce scans one app, stopping as many idle instances as can be
// retired without dropping below the configured minimum (publishing
// InstanceIdle for each), and publishing AppIdle once every instance
// has wound down and the app declares no minimum floor.
func (m *Monitor) SweepOnce(app *core.App) {
	cfg := app.Config()
	idleTimeout := m.idleTimeoutFor(cfg)

	healthy := app.HealthyInstances()
	canStop := len(healthy) - cfg.MinInstances
	if canStop < 0 {
		canStop = 0
	}

	var candidates []*core.Instance
	for _, inst := range healthy {
		if inst.InFlight() == 0 && inst.IdleFor() > idleTimeout {
			candidates = append(candidates, inst)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].IdleFor() > candidates[j].IdleFor()
	})
	if canStop < len(candidates) {
		candidates = candidates[:canStop]
	}
	for _, inst := range candidates {
		app.Publish(core.Event{Kind: core.EventInstanceIdle, InstanceID: inst.ID})
		if m.stop != nil {
			m.stop(app, inst)
		}
	}

	active := 0
	for _, inst := range app.Instances() {
		switch inst.State() {
		case core.StateStarting, core.StateReady, core.StateHealthy:
			active++
		}
	}
	if active == 0 && cfg.MinInstances == 0 {
		app.Publish(core.Event{Kind: core.EventAppIdle})
		if m.coldStarts != nil {
			m.coldStarts.Reset(app.Name)
		}
	}
}

// Run sweeps every app returned by apps() on cfg.CheckInterval until ctx
// is canceled.
func (m *Monitor) Run(ctx context.Context, apps func() []*core.App) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, app := range apps() {
				m.SweepOnce(app)
			}
		}
	}
}
