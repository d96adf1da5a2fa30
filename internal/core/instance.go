package core

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State is an instance's position in its lifecycle state machine:
//
//	Starting -> Ready -> Healthy <-> Unhealthy -> Dead
//	                 \-> Draining -> Stopped
//
// Stopped and Dead are terminal; nothing transitions out of them.
type State string

const (
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateDraining  State = "draining"
	StateDead      State = "dead"
	StateStopped   State = "stopped"
)

// Servable reports whether an instance in this state may receive
// forwarded requests. Only Healthy instances are ever served, per the
// registry's serving invariant.
func (s State) Servable() bool { return s == StateHealthy }

// Terminal reports whether this state never transitions further.
func (s State) Terminal() bool { return s == StateStopped || s == StateDead }

// Instance is one running (or starting, or draining) copy of an app's
// process. Its mutable fields are guarded by mu; callers must not read
// them directly.
type Instance struct {
	ID      uint32
	Port    uint16
	Command []string
	Env     map[string]string

	mu               sync.Mutex
	state            State
	process          *os.Process
	consecutiveFails int
	startedAt        time.Time
	lastActivity     time.Time

	inFlight int64 // atomic
}

// NewInstance constructs an Instance in the Starting state.
func NewInstance(id uint32, port uint16, command []string, env map[string]string) *Instance {
	now := time.Now()
	return &Instance{
		ID:           id,
		Port:         port,
		Command:      command,
		Env:          env,
		state:        StateStarting,
		startedAt:    now,
		lastActivity: now,
	}
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SetState transitions the instance to a new state. The caller is
// responsible for honoring the state machine's legal edges; SetState
// itself does not reject illegal transitions, matching the Rust
// original's permissive setter plus call-site discipline.
func (i *Instance) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// SetProcess records the OS process handle once the child has been
// spawned.
func (i *Instance) SetProcess(p *os.Process) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.process = p
}

// Process returns the OS process handle, or nil if the instance has not
// finished spawning.
func (i *Instance) Process() *os.Process {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.process
}

// RecordProbeResult updates the consecutive-failure counter used by the
// health checker's Unhealthy/Dead threshold comparison. A successful
// probe resets the counter to zero and bumps last-activity.
func (i *Instance) RecordProbeResult(healthy bool) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if healthy {
		i.consecutiveFails = 0
		i.lastActivity = time.Now()
	} else {
		i.consecutiveFails++
	}
	return i.consecutiveFails
}

// ConsecutiveFailures returns the current failure streak.
func (i *Instance) ConsecutiveFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.consecutiveFails
}

// RecordActivity stamps the instance as having served a request just
// now. The idle monitor and the health checker share this single
// timestamp (spec's unified-idle-clock decision), rather than tracking
// heartbeat time and request time separately.
func (i *Instance) RecordActivity() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActivity = time.Now()
}

// IdleFor returns how long it has been since the instance last showed
// activity, via either a successful health probe or a completed request.
func (i *Instance) IdleFor() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastActivity)
}

// IncInFlight marks the start of a forwarded request.
func (i *Instance) IncInFlight() { atomic.AddInt64(&i.inFlight, 1) }

// DecInFlight marks the end of a forwarded request.
func (i *Instance) DecInFlight() { atomic.AddInt64(&i.inFlight, -1) }

// InFlight returns the number of requests currently being forwarded to
// this instance. An instance with InFlight() > 0 is never considered
// idle, regardless of IdleFor.
func (i *Instance) InFlight() int64 { return atomic.LoadInt64(&i.inFlight) }

// Uptime returns how long the instance has existed, from construction.
func (i *Instance) Uptime() time.Duration { return time.Since(i.startedAt) }
