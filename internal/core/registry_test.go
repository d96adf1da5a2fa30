package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAppRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateApp("web", "v1", []Route{{Host: "a.com", Path: "/*"}})
	require.NoError(t, err)

	_, err = r.CreateApp("web", "v2", []Route{{Host: "b.com", Path: "/*"}})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestCreateAppRejectsRouteOverlap(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateApp("web", "v1", []Route{{Host: "a.com", Path: "/*"}})
	require.NoError(t, err)

	_, err = r.CreateApp("api", "v1", []Route{{Host: "a.com", Path: "/api"}})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestCreateAppAllowsDistinctRoutes(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateApp("web", "v1", []Route{{Host: "a.com", Path: "/*"}})
	require.NoError(t, err)

	_, err = r.CreateApp("api", "v1", []Route{{Host: "b.com", Path: "/*"}})
	require.NoError(t, err)
}

func TestRemoveAppRequiresTerminalInstances(t *testing.T) {
	r := NewRegistry()
	app, err := r.CreateApp("web", "v1", []Route{{Host: "a.com", Path: "/*"}})
	require.NoError(t, err)

	inst := app.AddInstance(9000, []string{"run"}, nil)
	inst.SetState(StateHealthy)

	err = r.RemoveApp("web")
	require.Error(t, err)

	inst.SetState(StateStopped)
	require.NoError(t, r.RemoveApp("web"))
}

func TestAllocatePortSkipsUsed(t *testing.T) {
	r := NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	app.AddInstance(9000, nil, nil)

	port, err := r.AllocatePort("web", 9000, 9002)
	require.NoError(t, err)
	assert.Equal(t, uint16(9001), port)
}

func TestAllocatePortExhausted(t *testing.T) {
	r := NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	app.AddInstance(9000, nil, nil)

	_, err = r.AllocatePort("web", 9000, 9000)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}
