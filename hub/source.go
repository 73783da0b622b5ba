package hub

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// portSource abstracts where a hub's port status comes from and how
// hub-class requests reach it: a root hub talks directly to its HCD,
// a downstream hub talks over its own control pipe. This lets the rest
// of the package run one FSM implementation for both, generalizing the
// teacher's enumeration code which only ever addressed a root hub's
// own ports.
type portSource interface {
	// NumPorts returns the number of downstream ports this hub reports.
	NumPorts() int

	// GetPortStatus returns the current status bits for port (1-indexed).
	GetPortStatus(ctx context.Context, port int) (hcd.PortStatus, error)

	// SetFeature issues SET_FEATURE(feature) against port.
	SetFeature(ctx context.Context, port int, feature uint16) error

	// ClearFeature issues CLEAR_FEATURE(feature) against port.
	ClearFeature(ctx context.Context, port int, feature uint16) error
}

// rootSource is a portSource backed directly by an hcd.HCD's root hub
// operations (specification §6.1).
type rootSource struct {
	h hcd.HCD
}

func newRootSource(h hcd.HCD) *rootSource { return &rootSource{h: h} }

func (r *rootSource) NumPorts() int { return r.h.NumRoothubPorts() }

func (r *rootSource) GetPortStatus(_ context.Context, port int) (hcd.PortStatus, error) {
	return r.h.GetRoothubStatus(port)
}

func (r *rootSource) SetFeature(ctx context.Context, port int, feature uint16) error {
	_, err := r.h.RoothubTransfer(ctx, hcd.SetupPacket{
		RequestType: reqTypeSetPortFeature,
		Request:     requestSetFeature,
		Value:       feature,
		Index:       uint16(port),
	}, nil)
	return err
}

func (r *rootSource) ClearFeature(ctx context.Context, port int, feature uint16) error {
	_, err := r.h.RoothubTransfer(ctx, hcd.SetupPacket{
		RequestType: reqTypeSetPortFeature,
		Request:     requestClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}, nil)
	return err
}

// syncTransferer issues a synchronous control transfer against one
// pipe, the way the hub thread needs to serialize downstream hub-class
// requests. deviceSource implements it with the engine; tests can stub
// it directly.
type syncTransferer interface {
	SubmitSync(ctx context.Context, pipe *devtree.Pipe, setup hcd.SetupPacket, data []byte) (int, pkgerr.Status)
}

// deviceSource is a portSource backed by a downstream hub device's own
// control pipe, reached through the transfer engine rather than an
// HCD's root-hub shim. It parses GET_PORT_STATUS replies the same way
// devtree's descriptor parsers decode other fixed-layout USB structs.
type deviceSource struct {
	dev  *devtree.Device
	xfer syncTransferer
}

func newDeviceSource(dev *devtree.Device, xfer syncTransferer) *deviceSource {
	return &deviceSource{dev: dev, xfer: xfer}
}

func (d *deviceSource) NumPorts() int { return d.dev.NumPorts() }

func (d *deviceSource) GetPortStatus(ctx context.Context, port int) (hcd.PortStatus, error) {
	var buf [4]byte
	n, status := d.xfer.SubmitSync(ctx, d.dev.ControlPipe(), hcd.SetupPacket{
		RequestType: reqTypeGetPortStatus,
		Request:     requestGetStatus,
		Value:       0,
		Index:       uint16(port),
		Length:      4,
	}, buf[:])
	if status != pkgerr.StatusSuccess {
		return hcd.PortStatus{}, status.Err()
	}
	if n < 4 {
		return hcd.PortStatus{}, pkgerr.ErrProtocol
	}
	return decodePortStatus(binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4])), nil
}

func (d *deviceSource) SetFeature(ctx context.Context, port int, feature uint16) error {
	_, status := d.xfer.SubmitSync(ctx, d.dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x23,
		Request:     requestSetFeature,
		Value:       feature,
		Index:       uint16(port),
	}, nil)
	return status.Err()
}

func (d *deviceSource) ClearFeature(ctx context.Context, port int, feature uint16) error {
	_, status := d.xfer.SubmitSync(ctx, d.dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x23,
		Request:     requestClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}, nil)
	return status.Err()
}

// decodePortStatus maps the wPortStatus/wPortChange bit layout (USB 2.0
// table 11-21) onto hcd.PortStatus.
func decodePortStatus(status, change uint16) hcd.PortStatus {
	speed := devtree.SpeedFull
	if status&(1<<9) != 0 {
		speed = devtree.SpeedLow
	} else if status&(1<<10) != 0 {
		speed = devtree.SpeedHigh
	}
	return hcd.PortStatus{
		Connected:     status&(1<<0) != 0,
		Enabled:       status&(1<<1) != 0,
		Suspended:     status&(1<<2) != 0,
		OverCurrent:   status&(1<<3) != 0,
		Resetting:     status&(1<<4) != 0,
		Powered:       status&(1<<8) != 0,
		Speed:         speed,
		ConnectChange: change&(1<<0) != 0,
		EnableChange:  change&(1<<1) != 0,
		ResetChange:   change&(1<<4) != 0,
	}
}
