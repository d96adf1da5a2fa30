// Package health actively probes running instances over HTTP and
// transitions them between Healthy, Unhealthy, and Dead based on a
// consecutive-failure count. Grounded on the original health checker's
// per-instance failure counters and its dead-wins tie-breaking: an
// instance that has failed enough times to be both "unhealthy" and
// "dead" is always reported dead.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/takohq/tako/internal/core"
)

// Config controls probing cadence and failure thresholds.
type Config struct {
	HealthPath         string
	Interval           time.Duration
	ProbeTimeout       time.Duration
	UnhealthyThreshold int
	DeadThreshold      int
}

// Checker actively probes every app's instances on a ticker.
type Checker struct {
	client *http.Client
	cfg    Config
}

// New constructs a Checker. client is reused across probes; its
// Timeout should generally be left at zero and ProbeTimeout applied
// per request via context, so a slow app doesn't stall unrelated
// probes sharing the client.
func New(client *http.Client, cfg Config) *Checker {
	if client == nil {
		client = &http.Client{}
	}
	return &Checker{client: client, cfg: cfg}
}

// CheckOnce probes every eligible instance of app exactly once, updating
// state and publishing events as thresholds are crossed. Instances in
// Starting, Draining, Dead, or Stopped are skipped: Starting hasn't
// finished its startup probe yet, and the rest are either not serving
// traffic yet or are already terminal.
func (c *Checker) CheckOnce(ctx context.Context, app *core.App, healthURLOf func(*core.Instance) string) {
	for _, inst := range app.Instances() {
		state := inst.State()
		if state == core.StateStarting || state == core.StateDraining || state.Terminal() {
			continue
		}

		healthy := c.probe(ctx, healthURLOf(inst))
		fails := inst.RecordProbeResult(healthy)

		switch {
		case healthy:
			if state != core.StateHealthy {
				inst.SetState(core.StateHealthy)
				if state == core.StateUnhealthy {
					app.Publish(core.Event{Kind: core.EventInstanceRecovered, InstanceID: inst.ID})
				} else {
					app.Publish(core.Event{Kind: core.EventInstanceHealthy, InstanceID: inst.ID})
				}
			}
		case fails >= c.cfg.DeadThreshold:
			inst.SetState(core.StateDead)
			app.Publish(core.Event{Kind: core.EventInstanceDead, InstanceID: inst.ID})
		case fails >= c.cfg.UnhealthyThreshold:
			if state != core.StateUnhealthy {
				inst.SetState(core.StateUnhealthy)
				app.Publish(core.Event{Kind: core.EventInstanceDegraded, InstanceID: inst.ID})
			}
		}
	}
}

// Run probes app on cfg.Interval until ctx is canceled.
func (c *Checker) Run(ctx context.Context, app *core.App, healthURLOf func(*core.Instance) string) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckOnce(ctx, app, healthURLOf)
		}
	}
}

func (c *Checker) probe(ctx context.Context, healthURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
