// ABOUTME: Tests for the PID lock
// ABOUTME: Covers acquisition, stale reclamation and release ownership
package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAlive(t *testing.T, alive func(int) bool) {
	t.Helper()
	prev := processAlive
	processAlive = alive
	t.Cleanup(func() { processAlive = prev })
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.pid")
	l, err := Acquire(path)
	require.NoError(t, err)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, l.Release())
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	withAlive(t, func(int) bool { return true })
	path := filepath.Join(t.TempDir(), "eq.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	_, err := Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 999999, pid, "lock held by a live process is left alone")
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	withAlive(t, func(int) bool { return false })
	path := filepath.Join(t.TempDir(), "eq.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireReclaimsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l.Release())
}

func TestAcquireOwnStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l.Release())
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.pid")
	l, err := Acquire(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))
	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestCurrentProcessIsAlive(t *testing.T) {
	assert.True(t, isAlive(os.Getpid()))
}
