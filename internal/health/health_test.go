package health

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
)

func testApp(t *testing.T) *core.App {
	r := core.NewRegistry()
	app, err := r.CreateApp("web", "v1", nil)
	require.NoError(t, err)
	return app
}

func TestCheckOnceMarksHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	app := testApp(t)
	inst := app.AddInstance(9000, nil, nil)
	inst.SetState(core.StateReady)

	c := New(srv.Client(), Config{ProbeTimeout: time.Second, UnhealthyThreshold: 2, DeadThreshold: 5})
	c.CheckOnce(context.Background(), app, func(*core.Instance) string { return srv.URL })

	assert.Equal(t, core.StateHealthy, inst.State())
}

func TestCheckOnceEscalatesToUnhealthyThenDead(t *testing.T) {
	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	app := testApp(t)
	inst := app.AddInstance(9000, nil, nil)
	inst.SetState(core.StateHealthy)

	c := New(srv.Client(), Config{ProbeTimeout: time.Second, UnhealthyThreshold: 2, DeadThreshold: 3})
	urlOf := func(*core.Instance) string { return srv.URL }

	c.CheckOnce(context.Background(), app, urlOf)
	assert.Equal(t, core.StateHealthy, inst.State())

	c.CheckOnce(context.Background(), app, urlOf)
	assert.Equal(t, core.StateUnhealthy, inst.State())

	c.CheckOnce(context.Background(), app, urlOf)
	assert.Equal(t, core.StateDead, inst.State())
}

func TestCheckOnceSkipsStartingAndTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	app := testApp(t)
	starting := app.AddInstance(9000, nil, nil) // default Starting
	stopped := app.AddInstance(9001, nil, nil)
	stopped.SetState(core.StateStopped)

	c := New(srv.Client(), Config{ProbeTimeout: time.Second, UnhealthyThreshold: 1, DeadThreshold: 2})
	c.CheckOnce(context.Background(), app, func(*core.Instance) string { return srv.URL })

	assert.Equal(t, core.StateStarting, starting.State())
	assert.Equal(t, core.StateStopped, stopped.State())
}
