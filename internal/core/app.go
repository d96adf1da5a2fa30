package core

import "sync"

// Route is one host/path pattern an app claims. Host may be an exact
// hostname or a leading "*." wildcard; Path may be an exact path, a
// trailing "/*" subtree, or a trailing "*" prefix. Matching and overlap
// detection live in package routing as pure functions over these
// strings.
type Route struct {
	Host string
	Path string
}

// EventKind names the lifecycle events an app's Events channel carries.
type EventKind string

const (
	EventInstanceStarting EventKind = "instance_starting"
	EventInstanceReady    EventKind = "instance_ready"
	EventInstanceHealthy  EventKind = "instance_healthy"
	EventInstanceDegraded EventKind = "instance_degraded" // -> Unhealthy
	EventInstanceDead     EventKind = "instance_dead"
	EventInstanceRecovered EventKind = "instance_recovered"
	EventInstanceIdle     EventKind = "instance_idle"
	EventInstanceStopped  EventKind = "instance_stopped"
	EventAppIdle          EventKind = "app_idle"
	EventStartupTimeout   EventKind = "startup_timeout"
)

// Event is one occurrence posted to an app's bounded event channel.
// Producers never block on a full channel; an event is dropped silently
// rather than stalling the health checker, spawner, or idle monitor.
type Event struct {
	Kind       EventKind
	AppName    string
	InstanceID uint32
	RolloutID  string // set on the rolling updater's InstanceHealthy events, empty otherwise
}

// EventChannelCapacity bounds each app's event channel. Once full,
// Publish drops the event rather than blocking the producer.
const EventChannelCapacity = 256

// App is one deployed application: its routing claim, declared
// configuration, and the set of instances currently running it.
type App struct {
	Name string

	mu            sync.RWMutex
	version       string
	routes        []Route
	env           map[string]string
	minInstances  int
	idleTimeout   int64 // seconds; 0 means use the server default
	startupPath   string

	instMu    sync.RWMutex
	instances map[uint32]*Instance
	nextID    uint32

	events chan Event
}

// NewApp constructs an empty App ready to receive instances.
func NewApp(name, version string, routes []Route) *App {
	return &App{
		Name:      name,
		version:   version,
		routes:    routes,
		env:       map[string]string{},
		instances: map[uint32]*Instance{},
		events:    make(chan Event, EventChannelCapacity),
	}
}

// Version returns the currently deployed version string.
func (a *App) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// SetVersion updates the deployed version string, e.g. at the end of a
// successful rolling update.
func (a *App) SetVersion(v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = v
}

// Routes returns a copy of the app's current route claims.
func (a *App) Routes() []Route {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Route, len(a.routes))
	copy(out, a.routes)
	return out
}

// SetRoutes replaces the app's route claims. Callers must have already
// checked for conflicts against the rest of the registry (Invariant 1).
func (a *App) SetRoutes(routes []Route) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes = routes
}

// Config returns the app's declared env vars, min-instance floor, and
// idle timeout override, read under one lock so a concurrent
// UpdateConfig can't be observed half-applied.
type Config struct {
	Env          map[string]string
	MinInstances int
	IdleTimeout  int64
	StartupPath  string
}

// Config returns a copy of the app's current declared configuration.
func (a *App) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	return Config{Env: env, MinInstances: a.minInstances, IdleTimeout: a.idleTimeout, StartupPath: a.startupPath}
}

// UpdateConfig replaces the app's declared configuration; it never
// touches routes or triggers a rolling update. The reload command does
// not call it.
func (a *App) UpdateConfig(c Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.env = c.Env
	a.minInstances = c.MinInstances
	a.idleTimeout = c.IdleTimeout
	a.startupPath = c.StartupPath
}

// AddInstance registers a new instance under the next sequential id and
// returns it.
func (a *App) AddInstance(port uint16, command []string, env map[string]string) *Instance {
	a.instMu.Lock()
	defer a.instMu.Unlock()
	a.nextID++
	inst := NewInstance(a.nextID, port, command, env)
	a.instances[inst.ID] = inst
	return inst
}

// Instance looks up an instance by id.
func (a *App) Instance(id uint32) (*Instance, bool) {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	inst, ok := a.instances[id]
	return inst, ok
}

// Instances returns a snapshot slice of every instance currently
// registered, in no particular order.
func (a *App) Instances() []*Instance {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	out := make([]*Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst)
	}
	return out
}

// RemoveInstance deletes an instance from the registry once it has
// reached a terminal state. Callers must stop the process first.
func (a *App) RemoveInstance(id uint32) {
	a.instMu.Lock()
	defer a.instMu.Unlock()
	delete(a.instances, id)
}

// HealthyInstances returns only the instances currently eligible to
// serve requests.
func (a *App) HealthyInstances() []*Instance {
	all := a.Instances()
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.State().Servable() {
			out = append(out, inst)
		}
	}
	return out
}

// UsedPorts returns the set of ports currently claimed by this app's
// instances, for Invariant 2 (distinct ports per app).
func (a *App) UsedPorts() map[uint16]bool {
	all := a.Instances()
	out := make(map[uint16]bool, len(all))
	for _, inst := range all {
		out[inst.Port] = true
	}
	return out
}

// Publish posts an event to the app's bounded channel, dropping it
// silently if the channel is full.
func (a *App) Publish(ev Event) {
	ev.AppName = a.Name
	select {
	case a.events <- ev:
	default:
	}
}

// Events returns the app's event channel for a consumer to range over.
func (a *App) Events() <-chan Event {
	return a.events
}
