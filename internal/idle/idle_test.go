package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takohq/tako/internal/core"
)

func drainEvents(app *core.App) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-app.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// stubStop mimics a drain-and-stop without touching a real process: it
// just marks the instance Stopped and removes it, matching what the
// real stop func does once in-flight has already drained to zero.
func stubStop(app *core.App, inst *core.Instance) {
	inst.SetState(core.StateStopped)
	app.RemoveInstance(inst.ID)
}

type stubResetter struct{ resetCalls []string }

func (r *stubResetter) Reset(appName string) { r.resetCalls = append(r.resetCalls, appName) }

func TestSweepOnceRespectsMinInstances(t *testing.T) {
	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	app.UpdateConfig(core.Config{MinInstances: 1})

	a := app.AddInstance(9000, nil, nil)
	a.SetState(core.StateHealthy)
	b := app.AddInstance(9001, nil, nil)
	b.SetState(core.StateHealthy)

	m := New(Config{DefaultIdleTimeout: 0}, stubStop, nil)
	// force both idle immediately since DefaultIdleTimeout is 0 and
	// IdleFor() is always > 0 once any time has passed
	time.Sleep(time.Millisecond)
	m.SweepOnce(app)

	events := drainEvents(app)
	idleCount := 0
	for _, ev := range events {
		if ev.Kind == core.EventInstanceIdle {
			idleCount++
		}
	}
	assert.Equal(t, 1, idleCount, "only one of two healthy instances may stop with MinInstances=1")
	assert.Equal(t, 1, len(app.Instances()), "the stopped instance must actually be removed")
}

func TestSweepOnceSkipsInFlightInstances(t *testing.T) {
	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	a := app.AddInstance(9000, nil, nil)
	a.SetState(core.StateHealthy)
	a.IncInFlight()

	m := New(Config{DefaultIdleTimeout: 0}, stubStop, nil)
	time.Sleep(time.Millisecond)
	m.SweepOnce(app)

	for _, ev := range drainEvents(app) {
		assert.NotEqual(t, core.EventInstanceIdle, ev.Kind)
	}
	assert.Equal(t, 1, len(app.Instances()), "an in-flight instance is never stopped")
}

func TestSweepOncePublishesAppIdleWhenScaledToZero(t *testing.T) {
	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	resetter := &stubResetter{}
	m := New(Config{DefaultIdleTimeout: time.Hour}, stubStop, resetter)
	m.SweepOnce(app)

	found := false
	for _, ev := range drainEvents(app) {
		if ev.Kind == core.EventAppIdle {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, []string{"web"}, resetter.resetCalls, "scaling to zero must reset the app's cold-start record")
}

func TestSweepOnceStopsIdleInstanceAboveMinimum(t *testing.T) {
	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	a := app.AddInstance(9000, nil, nil)
	a.SetState(core.StateHealthy)

	var stopped []uint32
	stop := func(app *core.App, inst *core.Instance) {
		stopped = append(stopped, inst.ID)
		stubStop(app, inst)
	}

	m := New(Config{DefaultIdleTimeout: 0}, stop, nil)
	time.Sleep(time.Millisecond)
	m.SweepOnce(app)

	assert.Equal(t, []uint32{a.ID}, stopped)
	assert.Empty(t, app.Instances())
}
