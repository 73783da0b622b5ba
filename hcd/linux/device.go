//go:build linux

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

const usbfsRoot = "/dev/bus/usb"

// devNode opens the usbfs character device for a given bus number and
// device address, e.g. /dev/bus/usb/001/004.
func devNode(bus, address uint8) (int, error) {
	path := fmt.Sprintf("%s/%03d/%03d", usbfsRoot, bus, address)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT || err == unix.ENODEV {
			return -1, pkgerr.ErrNoDevice
		}
		return -1, err
	}
	return fd, nil
}

func closeNode(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
