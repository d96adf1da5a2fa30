// Package rolling implements batched, health-gated replacement of an
// app's instances: spawn a batch of new instances, wait for them to
// become healthy, drain a matching number of old instances, repeat.
// Any batch that fails to become healthy rolls the whole deploy back —
// every new instance spawned during the call is killed and removed, and
// the old instances not yet drained are left as they were found. Old
// instances already drained by an earlier, successful batch of the same
// call are not restored.
package rolling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/logging"
	"github.com/takohq/tako/internal/spawner"
)

// Config controls batching and the per-instance startup wait.
type Config struct {
	BatchSize      int
	StartupTimeout time.Duration
	DrainGrace     time.Duration
}

// Result summarizes one Deploy call.
type Result struct {
	RolloutID      string
	Succeeded      bool
	NewInstanceIDs []uint32
	DrainedIDs     []uint32
}

// Updater performs rolling deploys against one app at a time.
type Updater struct {
	spawner *spawner.Spawner
	cfg     Config
}

// New constructs an Updater.
func New(sp *spawner.Spawner, cfg Config) *Updater {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Updater{spawner: sp, cfg: cfg}
}

// PortAllocator returns the next free port to use for a new instance.
type PortAllocator func() (uint16, error)

// HealthURLFor returns the health-check URL for an instance listening
// on the given port.
type HealthURLFor func(port uint16) string

// Deploy replaces app's instance set with requestedInstances new
// instances running command/env, keeping the old instances serving
// until their replacements are confirmed healthy. A requestedInstances
// of 0 still spins up one transient instance to validate the new
// version before tearing down the old set — the target instance count
// is always max(1, requestedInstances).
func (u *Updater) Deploy(ctx context.Context, app *core.App, command []string, env map[string]string, requestedInstances int, devMode bool, allocPort PortAllocator, healthURL HealthURLFor) (Result, error) {
	target := requestedInstances
	if target < 1 {
		target = 1
	}

	rolloutID := uuid.New().String()
	old := app.HealthyInstances()
	var allNew []*core.Instance
	var drained []uint32

	remaining := target
	for remaining > 0 {
		batchSize := u.cfg.BatchSize
		if batchSize > remaining {
			batchSize = remaining
		}

		batch := make([]*core.Instance, 0, batchSize)
		var spawnErr error
		for i := 0; i < batchSize; i++ {
			port, err := allocPort()
			if err != nil {
				spawnErr = err
				break
			}
			inst, err := u.spawner.Spawn(app, command, port, env, devMode)
			if inst != nil {
				// Spawn registers the instance even when its process
				// fails to start; keep it so rollback removes it.
				batch = append(batch, inst)
			}
			if err != nil {
				spawnErr = err
				break
			}
		}
		allNew = append(allNew, batch...)

		if spawnErr == nil {
			for _, inst := range batch {
				if err := u.spawner.WaitForReady(ctx, app, inst, healthURL(inst.Port), u.cfg.StartupTimeout); err != nil {
					spawnErr = err
					break
				}
				inst.SetState(core.StateHealthy)
				app.Publish(core.Event{Kind: core.EventInstanceHealthy, InstanceID: inst.ID, RolloutID: rolloutID})
			}
		}

		if spawnErr != nil {
			logging.Warnf("rollout %s for app %s failed, rolling back %d new instance(s): %v", rolloutID, app.Name, len(allNew), spawnErr)
			for _, inst := range allNew {
				killInstance(app, inst)
			}
			return Result{RolloutID: rolloutID, Succeeded: false}, core.Wrap(core.KindUnhealthy, "rolling update batch failed", spawnErr)
		}

		toDrain := batchSize
		if toDrain > len(old) {
			toDrain = len(old)
		}
		for i := 0; i < toDrain; i++ {
			DrainAndStop(app, old[i], u.cfg.DrainGrace)
			drained = append(drained, old[i].ID)
		}
		old = old[toDrain:]
		remaining -= batchSize
	}

	// Trailing drain of any remainder, if old had more instances than
	// the new target.
	for _, inst := range old {
		DrainAndStop(app, inst, u.cfg.DrainGrace)
		drained = append(drained, inst.ID)
	}

	newIDs := make([]uint32, len(allNew))
	for i, inst := range allNew {
		newIDs[i] = inst.ID
	}

	return Result{RolloutID: rolloutID, Succeeded: true, NewInstanceIDs: newIDs, DrainedIDs: drained}, nil
}

func killInstance(app *core.App, inst *core.Instance) {
	if p := inst.Process(); p != nil {
		_ = p.Kill()
	}
	inst.SetState(core.StateStopped)
	app.Publish(core.Event{Kind: core.EventInstanceStopped, InstanceID: inst.ID})
	app.RemoveInstance(inst.ID)
}

// DrainAndStop marks an instance Draining, gives in-flight requests up
// to grace to finish, then kills the process and removes the instance.
// Exported so other retirement paths (the idle monitor's scale-to-zero
// sweep) can reuse the same drain discipline instead of duplicating it.
func DrainAndStop(app *core.App, inst *core.Instance, grace time.Duration) {
	inst.SetState(core.StateDraining)
	app.Publish(core.Event{Kind: core.EventInstanceStopped, InstanceID: inst.ID})

	deadline := time.Now().Add(grace)
	for inst.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}

	if p := inst.Process(); p != nil {
		_ = p.Kill()
	}
	inst.SetState(core.StateStopped)
	app.RemoveInstance(inst.ID)
}
