// Package spawner launches app instance processes and polls them until
// they answer their health check, transitioning Starting -> Ready.
// Grounded on the original spawner's spawn/wait_for_ready/health_check
// split: spawning a process and confirming it is alive are separate
// steps so a caller can observe "started but not yet answering" state.
package spawner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/logging"
)

// probeInterval is the fixed delay between startup probes.
const probeInterval = 100 * time.Millisecond

// maxProbeAttempts bounds startup polling regardless of how generous the
// configured startup timeout is, so a misconfigured multi-hour timeout
// can't leave a goroutine polling forever at 100ms granularity.
const maxProbeAttempts = 300

// extraPathDirs are searched ahead of the inherited PATH when resolving
// command[0], matching the production-install locations a control
// socket server started from a minimal launchd/systemd PATH might miss.
// They are used only for that resolution: the child's own PATH is not
// changed, and the app's declared env does not affect resolution.
var extraPathDirs = []string{"/opt/homebrew/bin", "/usr/local/bin"}

// Spawner launches instance processes and confirms they start.
type Spawner struct {
	httpClient *http.Client
}

// New constructs a Spawner using client for startup probes.
func New(client *http.Client) *Spawner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Spawner{httpClient: client}
}

func widenedPath() string {
	existing := os.Getenv("PATH")
	parts := append(append([]string{}, extraPathDirs...), strings.Split(existing, string(os.PathListSeparator))...)
	if home, err := os.UserHomeDir(); err == nil {
		parts = append(parts, filepath.Join(home, "go", "bin"))
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// resolveCommand finds the executable for command[0] without mutating
// the process-wide PATH (spawns can run concurrently), searching the
// widened directory list ahead of the inherited PATH.
func resolveCommand(command []string) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("empty command")
	}
	name := command[0]
	if strings.ContainsRune(name, os.PathSeparator) {
		return exec.LookPath(name)
	}
	for _, dir := range strings.Split(widenedPath(), string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable file not found in $PATH", name)
}

// Spawn starts a new child process for app and registers it as a new
// Starting instance. devMode controls the TAKO_ENV marker injected into
// the child's environment.
func (s *Spawner) Spawn(app *core.App, command []string, port uint16, env map[string]string, devMode bool) (*core.Instance, error) {
	resolved, err := resolveCommand(command)
	if err != nil {
		return nil, core.Wrap(core.KindIO, "resolve command", err)
	}

	inst := app.AddInstance(port, command, env)

	cmd := exec.Command(resolved, command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Appended last so app-supplied keys can't shadow them (the last
	// duplicate wins).
	cmd.Env = append(cmd.Env,
		"PORT="+strconv.Itoa(int(port)),
		"TAKO_ENV="+envMarker(devMode),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		inst.SetState(core.StateDead)
		return inst, core.Wrap(core.KindIO, "start process", err)
	}
	inst.SetProcess(cmd.Process)
	app.Publish(core.Event{Kind: core.EventInstanceStarting, InstanceID: inst.ID})

	go func() {
		_ = cmd.Wait()
	}()

	return inst, nil
}

func envMarker(devMode bool) string {
	if devMode {
		return "development"
	}
	return "production"
}

// WaitForReady polls healthURL every 100ms, up to maxProbeAttempts times
// or until startupTimeout elapses, whichever comes first. On the first
// successful probe the instance transitions Starting -> Ready.
func (s *Spawner) WaitForReady(ctx context.Context, app *core.App, inst *core.Instance, healthURL string, startupTimeout time.Duration) error {
	deadline := time.Now().Add(startupTimeout)

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return core.Wrap(core.KindTimeout, "startup wait canceled", ctx.Err())
		default:
		}

		if s.probe(ctx, healthURL) {
			inst.SetState(core.StateReady)
			app.Publish(core.Event{Kind: core.EventInstanceReady, InstanceID: inst.ID})
			return nil
		}

		select {
		case <-ctx.Done():
			return core.Wrap(core.KindTimeout, "startup wait canceled", ctx.Err())
		case <-time.After(probeInterval):
		}
	}

	inst.SetState(core.StateDead)
	app.Publish(core.Event{Kind: core.EventStartupTimeout, InstanceID: inst.ID})
	logging.Warnf("instance %d for app %s never became ready within %s", inst.ID, app.Name, startupTimeout)
	return core.NewError(core.KindTimeout, fmt.Sprintf("instance %d did not become ready", inst.ID))
}

func (s *Spawner) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
