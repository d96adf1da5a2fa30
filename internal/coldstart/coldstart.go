// Package coldstart makes concurrent requests that arrive for a
// scaled-to-zero app single-flight: the first request becomes the
// leader that actually spawns an instance, every other concurrent
// request waits on the same result instead of spawning its own.
//
// Grounded on the original cold-start manager's state machine (Idle ->
// Starting -> Ready, or -> Failed) and its lock-before-subscribe
// discipline: a waiter takes the broadcast channel reference under the
// same lock that a leader uses to create it, so a "mark ready" that
// runs between "check state" and "subscribe" can never be missed.
package coldstart

import (
	"context"
	"sync"
)

// State is an app's position in the cold-start cycle.
type State int

const (
	Idle State = iota
	Starting
	Ready
	Failed
)

type record struct {
	state     State
	ready     chan struct{}
	succeeded bool
}

// Manager tracks one cold-start record per app name.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{records: map[string]*record{}}
}

// Begin registers interest in starting appName. The first caller since
// the app was last Idle or Failed becomes the leader (leader=true) and
// is responsible for calling MarkReady or MarkFailed exactly once;
// every other caller gets leader=false and should just call Wait.
func (m *Manager) Begin(appName string) (leader bool, wait func(ctx context.Context) (bool, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[appName]
	if !ok {
		rec = &record{state: Starting, ready: make(chan struct{})}
		m.records[appName] = rec
		return true, m.waiterFor(rec)
	}

	switch rec.state {
	case Idle, Failed:
		rec.state = Starting
		rec.ready = make(chan struct{})
		rec.succeeded = false
		return true, m.waiterFor(rec)
	default: // Starting or Ready
		return false, m.waiterFor(rec)
	}
}

func (m *Manager) waiterFor(rec *record) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		state := rec.state
		ch := rec.ready
		m.mu.Unlock()

		switch state {
		case Ready:
			return true, nil
		case Failed:
			return false, nil
		}

		select {
		case <-ch:
			m.mu.Lock()
			succeeded := rec.succeeded
			m.mu.Unlock()
			return succeeded, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// MarkReady transitions appName to Ready and wakes every waiter with a
// successful result. Late callers to Wait also see Ready immediately.
func (m *Manager) MarkReady(appName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[appName]
	if !ok {
		return
	}
	rec.state = Ready
	rec.succeeded = true
	close(rec.ready)
}

// MarkFailed transitions appName to Failed and wakes every waiter with
// a failed result.
func (m *Manager) MarkFailed(appName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[appName]
	if !ok {
		return
	}
	rec.state = Failed
	rec.succeeded = false
	close(rec.ready)
}

// State returns the current cold-start state for appName, or Idle if no
// record exists.
func (m *Manager) State(appName string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[appName]
	if !ok {
		return Idle
	}
	return rec.state
}

// Reset removes appName's record entirely, e.g. once the app has scaled
// back down to zero and a future request should start a fresh cycle.
func (m *Manager) Reset(appName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, appName)
}
