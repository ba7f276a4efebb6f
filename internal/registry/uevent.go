package registry

import (
	"bytes"
	"context"

	"codeberg.org/mutker/gpuctl/internal/logger"
	"golang.org/x/sys/unix"
)

type uevent struct {
	Action    string
	DevPath   string
	Subsystem string
}

// parseUevent decodes a kernel uevent datagram: a header "action@devpath"
// followed by NUL-separated KEY=value pairs.
func parseUevent(msg []byte) (uevent, bool) {
	var ev uevent
	parts := bytes.Split(msg, []byte{0})
	if len(parts) == 0 || !bytes.Contains(parts[0], []byte("@")) {
		return ev, false
	}

	for _, part := range parts[1:] {
		key, value, ok := bytes.Cut(part, []byte("="))
		if !ok {
			continue
		}
		switch string(key) {
		case "ACTION":
			ev.Action = string(value)
		case "DEVPATH":
			ev.DevPath = string(value)
		case "SUBSYSTEM":
			ev.Subsystem = string(value)
		}
	}

	return ev, ev.Action != ""
}

type ueventMonitor struct {
	fd int
}

const ueventKernelGroup = 1

func newUeventMonitor() (*ueventMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventKernelGroup}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// A receive timeout lets run notice cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &ueventMonitor{fd: fd}, nil
}

func (m *ueventMonitor) run(ctx context.Context, log logger.Logger, fn func(uevent)) {
	defer unix.Close(m.fd)

	buf := make([]byte, 16<<10)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			log.Warn().Err(err).Msg("Uevent monitor stopped")
			return
		}
		if ev, ok := parseUevent(buf[:n]); ok {
			fn(ev)
		}
	}
}
