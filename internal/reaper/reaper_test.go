package reaper

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFromSocketName(t *testing.T) {
	pid, ok := pidFromSocketName("tako-app-myapp-12345.sock")
	require.True(t, ok)
	assert.Equal(t, 12345, pid)

	_, ok = pidFromSocketName("tako-app-myapp.sock")
	assert.False(t, ok)

	_, ok = pidFromSocketName("unrelated.sock")
	assert.False(t, ok)
}

func TestSweepRemovesDeadAndKeepsLive(t *testing.T) {
	dir := t.TempDir()

	livePath := filepath.Join(dir, "tako-app-alive-"+strconv.Itoa(os.Getpid())+".sock")
	require.NoError(t, os.WriteFile(livePath, nil, 0644))

	const deadPID = 999999
	deadPath := filepath.Join(dir, "tako-app-dead-999999.sock")
	require.NoError(t, os.WriteFile(deadPath, nil, 0644))

	unrelatedPath := filepath.Join(dir, "not-a-tako-socket")
	require.NoError(t, os.WriteFile(unrelatedPath, nil, 0644))

	removed, err := Sweep(dir)
	require.NoError(t, err)
	assert.Contains(t, removed, deadPath)
	assert.NotContains(t, removed, livePath)

	_, err = os.Stat(livePath)
	assert.NoError(t, err)
	_, err = os.Stat(deadPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(unrelatedPath)
	assert.NoError(t, err)
}

func TestSweepMissingDirectoryIsNotError(t *testing.T) {
	removed, err := Sweep(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, removed)
}
