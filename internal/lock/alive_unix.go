//go:build unix && !linux

// ABOUTME: Process liveness on macOS and the BSDs
// ABOUTME: Signal 0 probes the pid; EPERM means alive but owned by someone else
package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
