package hcd

import (
	"context"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// PortStatus mirrors the hub-class port status bits a root hub reports,
// used by GetRoothubStatus and the OnPortEvent callback.
type PortStatus struct {
	Connected     bool
	Enabled       bool
	Suspended     bool
	OverCurrent   bool
	Resetting     bool
	Powered       bool
	Speed         devtree.Speed
	ConnectChange bool
	EnableChange  bool
	ResetChange   bool
}

// Request describes one URB as the HCD contract sees it: just enough to
// schedule and complete a transfer, with the data buffer and completion
// routing owned by the caller (the transfer engine).
type Request struct {
	// ID is assigned by the caller and echoed back in completions so the
	// transfer engine can find the URB that finished without a linear
	// scan.
	ID uint64

	Address  uint8
	Endpoint uint8
	Dir      uint8 // devtree.DirectionIn or devtree.DirectionOut
	Type     uint8 // devtree.TransferControl/Bulk/Interrupt/Isochronous

	// Setup is non-nil only for control transfers.
	Setup *SetupPacket

	Data []byte

	// PipePrivate is the devtree.Pipe.HCDPrivate value for the pipe this
	// request targets, round-tripped so the HCD can attach its own
	// per-pipe scheduling state without the core needing to know its
	// shape.
	PipePrivate *any
}

// SetupPacket is the 8-byte USB control transfer setup stage.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Completion is what CompletionSink.OnComplete receives once an HCD
// finishes (or gives up on) a Request.
type Completion struct {
	ID       uint64
	Status   pkgerr.Status
	Actual   int // bytes actually transferred
}

// CompletionSink receives asynchronous notifications from an HCD. The
// core's transfer engine implements this and registers itself with an
// HCD in Init; it forwards port events to the hub state machine through
// transfer.PortEventSink.
type CompletionSink interface {
	// OnComplete reports a finished (or failed) transfer.
	OnComplete(c Completion)

	// OnPortEvent reports a root hub port status change (connect,
	// disconnect, or reset completion) so the hub state machine can
	// drive its per-port FSM.
	OnPortEvent(port int, status PortStatus)
}

// HCD is the contract every host controller driver (real or simulated)
// implements (specification §6.1).
type HCD interface {
	// Init prepares the controller and registers the sink that receives
	// completions and port events for this HCD's lifetime.
	Init(ctx context.Context, sink CompletionSink) error

	// Ordinal returns this HCD's bus number, used to build LocationIDs.
	Ordinal() uint8

	// TransferEnqueue schedules a Request. It returns once the HCD has
	// accepted the request, not once it completes; completion arrives
	// through CompletionSink.OnComplete.
	TransferEnqueue(req *Request) error

	// TransferDequeue cancels a previously enqueued Request by ID if it
	// has not yet completed. The HCD still calls OnComplete for it, with
	// pkgerr.StatusAborted.
	TransferDequeue(id uint64) error

	// PipeDestroy releases any per-pipe scheduling state the HCD
	// attached via Request.PipePrivate, and cancels any requests still
	// queued on it.
	PipeDestroy(pipePrivate any) error

	// RoothubTransfer issues a hub-class control request to the root hub
	// itself (GET_STATUS, SET_FEATURE(PORT_RESET), ...), synchronously,
	// since root hub requests never contend with downstream traffic the
	// way real device transfers do.
	RoothubTransfer(ctx context.Context, setup SetupPacket, data []byte) (int, error)

	// GetRoothubStatus returns the current status of a root hub port
	// (1-indexed).
	GetRoothubStatus(port int) (PortStatus, error)

	// NumRoothubPorts returns the number of downstream ports on the root
	// hub.
	NumRoothubPorts() int

	// Close releases all resources. After Close, the HCD must not be
	// used again.
	Close() error
}
