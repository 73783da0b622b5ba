//go:build linux

package linux

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// netlinkKObjectUEvent is NETLINK_KOBJECT_UEVENT from <linux/netlink.h>.
const netlinkKObjectUEvent = 15

const uEventBufferSize = 4096

// uevent is a parsed udev netlink notification for a usb subsystem
// device or interface.
type uevent struct {
	action    string // "add", "remove", "bind", "unbind"
	subsystem string
	devpath   string
	busnum    int
	devnum    int
}

// hotplugMonitor listens on the kernel's udev netlink broadcast group
// for USB connect/disconnect events, generalizing the teacher's
// host/hal/linux hotplugMonitor (which used syscall.Socket directly)
// onto golang.org/x/sys/unix.
type hotplugMonitor struct {
	fd int
}

func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, netlinkKObjectUEvent)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &hotplugMonitor{fd: fd}, nil
}

func (m *hotplugMonitor) close() error {
	if m.fd < 0 {
		return nil
	}
	return unix.Close(m.fd)
}

// poll reads one pending uevent, or returns ok=false if none is
// available right now (the socket is non-blocking).
func (m *hotplugMonitor) poll() (ev uevent, ok bool, err error) {
	buf := make([]byte, uEventBufferSize)
	n, _, errno := unix.Recvfrom(m.fd, buf, 0)
	if errno != nil {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return uevent{}, false, nil
		}
		return uevent{}, false, errno
	}
	return parseUEvent(buf[:n]), true, nil
}

// parseUEvent decodes a NUL-separated udev message body ("add@/devices/..."
// followed by KEY=VALUE pairs) into a uevent. Unrecognized or malformed
// fields are left at their zero value.
func parseUEvent(data []byte) uevent {
	var ev uevent

	parts := bytes.Split(data, []byte{0})
	if len(parts) == 0 {
		return ev
	}

	if header := string(parts[0]); strings.Contains(header, "@") {
		ev.action = strings.SplitN(header, "@", 2)[0]
	}

	for _, p := range parts[1:] {
		kv := strings.SplitN(string(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "SUBSYSTEM":
			ev.subsystem = kv[1]
		case "DEVPATH":
			ev.devpath = kv[1]
		case "BUSNUM":
			ev.busnum, _ = strconv.Atoi(kv[1])
		case "DEVNUM":
			ev.devnum, _ = strconv.Atoi(kv[1])
		}
	}

	pkglog.Debug(pkglog.ComponentHCD, "uevent", "action", ev.action, "subsystem", ev.subsystem, "devpath", ev.devpath)
	return ev
}
