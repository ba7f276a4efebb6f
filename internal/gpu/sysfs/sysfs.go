// Package sysfs drives GPUs through the kernel's DRM and hwmon sysfs
// interfaces (amdgpu and other hwmon-backed DRM drivers).
package sysfs

import (
	"io/fs"
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"golang.org/x/sys/unix"
)

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int64, error) {
	value, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writable reports whether the daemon may write path, using access(2)
// so the check honours the effective uid and read-only mounts.
func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// writeValue writes one value with a single write(2); sysfs attributes
// parse each write as one command.
func writeValue(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return mapIOError(path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(value); err != nil {
		return mapIOError(path, err)
	}
	return nil
}

// mapIOError translates a sysfs errno into the daemon's taxonomy.
func mapIOError(path string, err error) error {
	errFactory := errors.New()

	switch {
	case errors.Is(err, fs.ErrPermission):
		return errFactory.Wrap(errors.ErrPermissionDenied, err).WithMessage("permission denied writing " + path)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return errFactory.Wrap(errors.ErrDeviceGone, err).WithMessage(path + " disappeared")
	case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.EBUSY):
		return errFactory.Wrap(errors.ErrTimeout, err).WithMessage(path + " did not respond")
	default:
		return errFactory.Wrap(errors.ErrHardwareRejected, err).WithMessage("driver rejected write to " + path)
	}
}
