// ABOUTME: Process liveness on Windows
// ABOUTME: Opens the process with limited query rights and checks its exit code
package lock

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

func isAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// access denied still means the process exists
		return err == windows.ERROR_ACCESS_DENIED
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
