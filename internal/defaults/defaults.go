// Package defaults resolves Tako's on-disk layout: the platform-appropriate
// home directory and the well-known subdirectories underneath it (per-app
// control sockets, TLS certificates, the dev-mode CA).
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/Tako/
//	Windows: %AppData%\Tako\
//	Linux:   ~/.config/tako/
//
// Override with the TAKO_HOME environment variable.
package defaults

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform-appropriate Tako home directory.
//
// Set TAKO_HOME to override.
func DataDir() (string, error) {
	if dir := os.Getenv("TAKO_HOME"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention.
	// macOS/Windows: title case per platform convention.
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "tako"), nil
	}
	return filepath.Join(configDir, "Tako"), nil
}

// EnsureDataDir creates the Tako home directory and its well-known
// subdirectories if they don't already exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	for _, sub := range []string{SocketDirName, CertDirName, CADirName, ReleasesDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	return dir, nil
}

const (
	// SocketDirName holds one control socket file per running instance,
	// named tako-app-<name>-<pid>.sock, scanned at startup by the
	// stale-socket reaper.
	SocketDirName = "sockets"
	// CertDirName holds TLS certificate/key pairs loaded by the SNI
	// resolver, one pair per domain.
	CertDirName = "certs"
	// CADirName holds the dev-mode root CA certificate and, when the OS
	// keychain is unavailable, its private key.
	CADirName = "ca"
	// ReleasesDirName holds one subdirectory per deployed app version.
	// It is created at startup; nothing in the server reads from it.
	ReleasesDirName = "releases"
)

// SocketDir returns the directory holding per-instance control sockets.
func SocketDir(homeDir string) string {
	return filepath.Join(homeDir, SocketDirName)
}

// CertDir returns the directory holding TLS certificate/key pairs.
func CertDir(homeDir string) string {
	return filepath.Join(homeDir, CertDirName)
}

// CADir returns the directory holding the dev-mode root CA.
func CADir(homeDir string) string {
	return filepath.Join(homeDir, CADirName)
}

// InstanceSocketPath returns the control-socket path for one running
// instance, in the tako-app-<name>-<pid>.sock form the reaper recognizes.
func InstanceSocketPath(homeDir, appName string, pid int) string {
	return filepath.Join(SocketDir(homeDir), fmt.Sprintf("tako-app-%s-%d.sock", appName, pid))
}
