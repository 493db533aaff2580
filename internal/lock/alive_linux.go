// ABOUTME: Process liveness on Linux
// ABOUTME: Checks /proc/<pid>, falling back to signal 0 when /proc is absent
package lock

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

func isAlive(pid int) bool {
	if _, err := os.Stat("/proc/self"); err == nil {
		_, err := os.Stat("/proc/" + strconv.Itoa(pid))
		return err == nil
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
