package core

import (
	"fmt"
	"sync"

	"github.com/takohq/tako/internal/routing"
)

// Registry holds every deployed app and enforces the cross-app
// invariants that no single *App can check on its own: unique app
// names, no two apps claiming overlapping routes, and distinct ports
// within an app.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*App
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{apps: map[string]*App{}}
}

func toRoutingRoutes(routes []Route) []routing.Route {
	out := make([]routing.Route, len(routes))
	for i, r := range routes {
		out[i] = routing.Route{Host: r.Host, Path: r.Path}
	}
	return out
}

// CreateApp registers a new app, enforcing Invariant 1 (no route
// overlap with any existing app) and app-name uniqueness.
func (r *Registry) CreateApp(name, version string, routes []Route) (*App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[name]; exists {
		return nil, NewError(KindConflict, fmt.Sprintf("app %q already exists", name))
	}

	candidate := toRoutingRoutes(routes)
	for other, app := range r.apps {
		existing := toRoutingRoutes(app.Routes())
		if e, c, found := routing.FirstConflict(existing, candidate); found {
			return nil, NewError(KindConflict, fmt.Sprintf(
				"route %s%s conflicts with %s%s claimed by app %q",
				c.Host, c.Path, e.Host, e.Path, other))
		}
	}

	app := NewApp(name, version, routes)
	r.apps[name] = app
	return app, nil
}

// UpdateRoutes replaces an app's routes, re-checking Invariant 1 against
// every other app (but not against the app's own prior routes).
func (r *Registry) UpdateRoutes(name string, routes []Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return NewError(KindNotFound, fmt.Sprintf("app %q not found", name))
	}

	candidate := toRoutingRoutes(routes)
	for other, a := range r.apps {
		if other == name {
			continue
		}
		existing := toRoutingRoutes(a.Routes())
		if e, c, found := routing.FirstConflict(existing, candidate); found {
			return NewError(KindConflict, fmt.Sprintf(
				"route %s%s conflicts with %s%s claimed by app %q",
				c.Host, c.Path, e.Host, e.Path, other))
		}
	}

	app.SetRoutes(routes)
	return nil
}

// App looks up an app by name.
func (r *Registry) App(name string) (*App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	return app, ok
}

// Apps returns a snapshot slice of every registered app.
func (r *Registry) Apps() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}
	return out
}

// RemoveApp deletes an app from the registry. The caller must have
// already stopped every instance; RemoveApp refuses otherwise.
func (r *Registry) RemoveApp(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return NewError(KindNotFound, fmt.Sprintf("app %q not found", name))
	}
	for _, inst := range app.Instances() {
		if !inst.State().Terminal() {
			return NewError(KindConflict, fmt.Sprintf(
				"app %q still has non-terminal instance %d", name, inst.ID))
		}
	}
	delete(r.apps, name)
	return nil
}

// AllocatePort picks the lowest port in [start, end] not already in use
// by any instance of the given app, enforcing Invariant 2 (distinct
// ports per app).
func (r *Registry) AllocatePort(appName string, start, end uint16) (uint16, error) {
	app, ok := r.App(appName)
	if !ok {
		return 0, NewError(KindNotFound, fmt.Sprintf("app %q not found", appName))
	}
	used := app.UsedPorts()
	for p := start; p <= end; p++ {
		if !used[p] {
			return p, nil
		}
		if p == end {
			break
		}
	}
	return 0, NewError(KindConflict, fmt.Sprintf("no free port in [%d, %d] for app %q", start, end, appName))
}
