package rolling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/spawner"
)

func TestDeploySucceedsAndDrainsOld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	oldInst := app.AddInstance(9000, nil, nil)
	oldInst.SetState(core.StateHealthy)

	u := New(spawner.New(srv.Client()), Config{BatchSize: 1, StartupTimeout: time.Second, DrainGrace: 10 * time.Millisecond})

	nextPort := uint16(9001)
	alloc := func() (uint16, error) { p := nextPort; nextPort++; return p, nil }
	healthURL := func(uint16) string { return srv.URL }

	result, err := u.Deploy(context.Background(), app, []string{"sleep", "5"}, nil, 1, true, alloc, healthURL)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Len(t, result.NewInstanceIDs, 1)
	assert.Contains(t, result.DrainedIDs, oldInst.ID)

	_, stillThere := app.Instance(oldInst.ID)
	assert.False(t, stillThere)
}

func TestDeployZeroRequestedStillSpawnsOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	u := New(spawner.New(srv.Client()), Config{BatchSize: 1, StartupTimeout: time.Second, DrainGrace: 10 * time.Millisecond})
	alloc := func() (uint16, error) { return 9100, nil }
	healthURL := func(uint16) string { return srv.URL }

	result, err := u.Deploy(context.Background(), app, []string{"sleep", "5"}, nil, 0, true, alloc, healthURL)
	require.NoError(t, err)
	assert.Len(t, result.NewInstanceIDs, 1)
}

func TestDeployRollsBackOnUnhealthyBatch(t *testing.T) {
	var healthy int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	oldInst := app.AddInstance(9000, nil, nil)
	oldInst.SetState(core.StateHealthy)

	u := New(spawner.New(srv.Client()), Config{BatchSize: 1, StartupTimeout: 200 * time.Millisecond, DrainGrace: 10 * time.Millisecond})
	nextPort := uint16(9200)
	alloc := func() (uint16, error) { p := nextPort; nextPort++; return p, nil }
	healthURL := func(uint16) string { return srv.URL }

	result, err := u.Deploy(context.Background(), app, []string{"sleep", "5"}, nil, 1, true, alloc, healthURL)
	require.Error(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, core.KindUnhealthy, core.KindOf(err))

	// Old instance is untouched.
	still, ok := app.Instance(oldInst.ID)
	require.True(t, ok)
	assert.Equal(t, core.StateHealthy, still.State())
}
