package spawner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takohq/tako/internal/core"
)

func TestSpawnAndWaitForReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)

	s := New(srv.Client())
	inst, err := s.Spawn(app, []string{"sleep", "5"}, 9000, nil, true)
	require.NoError(t, err)
	assert.Equal(t, core.StateStarting, inst.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.WaitForReady(ctx, app, inst, srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.StateReady, inst.State())

	_ = inst.Process().Kill()
}

func TestWaitForReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	inst := app.AddInstance(9000, nil, nil)

	s := New(srv.Client())
	ctx := context.Background()
	err = s.WaitForReady(ctx, app, inst, srv.URL, 300*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Equal(t, core.StateDead, inst.State())
}
