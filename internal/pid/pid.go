// Package pid keeps a PID file so only one daemon runs at a time.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"golang.org/x/sys/unix"
)

const (
	pidFile = "gpuctld.pid"
)

// Path returns the PID file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, pidFile)
}

// Write writes the current process ID to the PID file in dir. It fails
// with ErrAlreadyRunning when the file names a live process other than
// this one; a stale file is replaced.
func Write(dir string) error {
	errFactory := errors.New()
	path := Path(dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	if running, pid, err := holder(path); err != nil {
		return err
	} else if running {
		return errFactory.WithMessage(errors.ErrAlreadyRunning, "gpuctld already running as pid "+strconv.Itoa(pid))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file if it still names this process.
func Remove(dir string) error {
	errFactory := errors.New()
	path := Path(dir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func holder(path string) (running bool, pid int, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.New().Wrap(errors.ErrInternal, err)
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Garbage is treated as stale.
		return false, 0, nil
	}
	if pid == os.Getpid() {
		return false, pid, nil
	}

	// EPERM means the process exists but belongs to someone else.
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return true, pid, nil
	default:
		return false, pid, nil
	}
}
