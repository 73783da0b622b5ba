//go:build linux

package linux

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// usbdevfs_ctrltransfer matches struct usbdevfs_ctrltransfer in
// <linux/usbdevice_fs.h>.
type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        uintptr
}

// usbdevfs_bulktransfer matches struct usbdevfs_bulktransfer.
type usbdevfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

// usbdevfs_connectinfo matches struct usbdevfs_connectinfo.
type usbdevfsConnectInfo struct {
	DevNum uint32
	Slow   uint8
}

var (
	reqControl          = ioctl.IOWR('U', 0, unsafe.Sizeof(usbdevfsCtrlTransfer{}))
	reqBulk             = ioctl.IOWR('U', 2, unsafe.Sizeof(usbdevfsBulkTransfer{}))
	reqResetEndpoint    = ioctl.IOR('U', 3, unsafe.Sizeof(uint32(0)))
	reqGetDriver        = ioctl.IOW('U', 8, unsafe.Sizeof([256]byte{}))
	reqClaimInterface   = ioctl.IOR('U', 15, unsafe.Sizeof(uint32(0)))
	reqReleaseInterface = ioctl.IOR('U', 16, unsafe.Sizeof(uint32(0)))
	reqConnectInfo      = ioctl.IOW('U', 17, unsafe.Sizeof(usbdevfsConnectInfo{}))
	reqReset            = ioctl.IO('U', 20)
	reqClearHalt        = ioctl.IOR('U', 21, unsafe.Sizeof(uint32(0)))
)

// ioctlPtr issues a raw ioctl against fd, passing arg's address as the
// third syscall argument, via golang.org/x/sys/unix rather than the
// teacher's hand-rolled syscall.Syscall calls.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// controlTransfer issues a synchronous USBDEVFS_CONTROL ioctl.
func controlTransfer(fd int, reqType, request uint8, value, index uint16, data []byte, timeoutMs uint32) (int, error) {
	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	xfer := usbdevfsCtrlTransfer{
		RequestType: reqType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     timeoutMs,
		Data:        dataPtr,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), reqControl, uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return 0, translateErrno(errno)
	}
	return len(data), nil
}

// bulkTransfer issues a synchronous USBDEVFS_BULK ioctl, used here for
// both bulk and interrupt endpoints the way usbfs itself does (the
// kernel dispatches by the endpoint's actual descriptor type).
func bulkTransfer(fd int, endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	xfer := usbdevfsBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  timeoutMs,
		Data:     dataPtr,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), reqBulk, uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return 0, translateErrno(errno)
	}
	return len(data), nil
}

func claimInterface(fd int, iface uint32) error {
	return ioctlPtr(fd, reqClaimInterface, unsafe.Pointer(&iface))
}

func releaseInterface(fd int, iface uint32) error {
	return ioctlPtr(fd, reqReleaseInterface, unsafe.Pointer(&iface))
}

func resetDevice(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), reqReset, 0)
	if errno != 0 {
		return translateErrno(errno)
	}
	return nil
}

func clearHalt(fd int, endpoint uint32) error {
	return ioctlPtr(fd, reqClearHalt, unsafe.Pointer(&endpoint))
}

// translateErrno maps the errnos usbfs documents for these ioctls onto
// the engine's Status taxonomy (specification §7).
func translateErrno(errno unix.Errno) error {
	switch errno {
	case unix.EPIPE:
		return pkgerr.ErrStall
	case unix.ETIMEDOUT:
		return pkgerr.ErrTimeout
	case unix.ENODEV, unix.ENOENT:
		return pkgerr.ErrNoDevice
	case unix.ECANCELED:
		return pkgerr.ErrAborted
	default:
		return pkgerr.ErrIO
	}
}
