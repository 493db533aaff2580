// ABOUTME: Single-instance PID lock file
// ABOUTME: Reclaims stale files whose PID no longer names a live process
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrLocked is returned when another live process holds the lock
var ErrLocked = errors.New("another instance is running")

// Lock is a held PID lock file
type Lock struct {
	path string
	pid  int
}

// processAlive is replaced in tests
var processAlive = isAlive

// Acquire writes the current PID to path. A file left behind by a dead
// process is reclaimed.
func Acquire(path string) (*Lock, error) {
	log := logrus.WithField("component", "lock")
	pid := os.Getpid()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", err)
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		owner, err := ReadPID(path)
		if err == nil && owner != pid && processAlive(owner) {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLocked, owner, path)
		}
		if err != nil {
			log.Warnf("Reclaiming unreadable lock file %s: %v", path, err)
		} else {
			log.Infof("Reclaiming stale lock file %s (pid %d)", path, owner)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock %s was recreated concurrently", ErrLocked, path)
}

// ReadPID parses the PID stored in a lock file
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Path returns the lock file path
func (l *Lock) Path() string { return l.path }

// Release removes the lock file if it still names this process
func (l *Lock) Release() error {
	owner, err := ReadPID(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		return nil
	}
	return os.Remove(l.path)
}
