//go:build linux

// Package linux implements hcd.HCD over Linux's usbfs
// (/dev/bus/usb/BBB/DDD), the same character-device interface the
// kernel's own usb-core module exposes to tools like lsusb and libusb.
//
// It is grounded on two places in the pack: the teacher's
// host/hal/linux package (syscall-level open/ioctl wrappers, an epoll
// poller, and a netlink hotplug monitor, all hand-rolled against
// raw syscall numbers) and Daedaluz-gousb's usbfs package (the
// USBDEVFS_* ioctl request codes computed with goioctl instead of
// hardcoded magic numbers). This package keeps the teacher's structure
// but replaces its hand-rolled syscall plumbing with
// golang.org/x/sys/unix and its hardcoded ioctl numbers with goioctl,
// per the domain-stack dependencies named in SPEC_FULL.md §3.
package linux
