// Package reaper scans Tako's control-socket directory for sockets left
// behind by instances that crashed or were killed without closing their
// listener, and unlinks them so a later bind doesn't collide with a
// stale file.
//
// Grounded on the teacher's single-instance PID lock file
// (cmd/nebo/lock_unix.go, lock_windows.go): the liveness check — a
// null signal on Unix, OpenProcess/GetExitCodeProcess on Windows — is
// the same idea applied to many per-instance sockets instead of one
// process-wide lock file.
package reaper

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/takohq/tako/internal/logging"
)

const (
	socketPrefix = "tako-app-"
	socketSuffix = ".sock"
)

// pidFromSocketName extracts the trailing PID from a
// tako-app-<name>-<pid>.sock filename. ok is false if name doesn't
// match that shape.
func pidFromSocketName(name string) (pid int, ok bool) {
	if !strings.HasPrefix(name, socketPrefix) || !strings.HasSuffix(name, socketSuffix) {
		return 0, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
	idx := strings.LastIndex(trimmed, "-")
	if idx < 0 || idx == len(trimmed)-1 {
		return 0, false
	}
	pid, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Sweep scans socketDir for stale instance-socket files and removes
// any whose owning PID is no longer alive. It returns the paths it
// removed.
func Sweep(socketDir string) ([]string, error) {
	entries, err := os.ReadDir(socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pid, ok := pidFromSocketName(entry.Name())
		if !ok {
			continue
		}
		if isProcessAlive(pid) {
			continue
		}
		path := filepath.Join(socketDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logging.Warnf("reaper: failed to remove stale socket %s: %v", path, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}
