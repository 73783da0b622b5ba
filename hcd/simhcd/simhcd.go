// Package simhcd is an in-memory simulated host controller driver used
// by tests and local development, generalizing the teacher's named-pipe
// simulator (host/hal/fifo.HostHAL) into the async hcd.HCD contract.
// Instead of talking to real FIFOs, test code calls Connect/Disconnect
// to simulate root hub port events and installs a Handler that produces
// canned responses to enqueued transfers.
package simhcd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// Root hub port feature selectors and hub-class request codes (USB 2.0
// table 11-17/11-16), duplicated here rather than imported from
// package hub to keep this simulator usable by any root-hub caller.
const (
	featurePortReset   = 4
	featurePortPower   = 8
	featureCConnection = 16
	featureCReset      = 20

	requestGetStatus    = 0x00
	requestClearFeature = 0x01
	requestSetFeature   = 0x03
)

// resetSettleDelay is how long a simulated SET_FEATURE(PORT_RESET)
// takes before the port reports RESET_CHANGE, standing in for the
// hardware debounce a real root hub imposes.
const resetSettleDelay = 2 * time.Millisecond

// Handler produces the result of a simulated transfer. It is invoked
// off the calling goroutine, so it may block to emulate transfer
// latency.
type Handler func(req *hcd.Request) (actual int, status pkgerr.Status, data []byte)

// HCD is a simulated host controller. The zero value is not usable;
// build one with New.
type HCD struct {
	ordinal  uint8
	numPorts int
	handler  Handler

	mu    sync.Mutex
	ports []hcd.PortStatus
	sink  hcd.CompletionSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending   sync.Map // id -> struct{}
	cancelled atomic.Bool
}

// New constructs a simulated HCD with the given bus ordinal, root hub
// port count, and transfer handler. A nil handler completes every
// transfer successfully with zero bytes transferred.
func New(ordinal uint8, numPorts int, handler Handler) *HCD {
	if handler == nil {
		handler = func(*hcd.Request) (int, pkgerr.Status, []byte) {
			return 0, pkgerr.StatusSuccess, nil
		}
	}
	return &HCD{
		ordinal:  ordinal,
		numPorts: numPorts,
		handler:  handler,
		ports:    make([]hcd.PortStatus, numPorts),
	}
}

// Init registers the completion sink and starts the simulator.
func (h *HCD) Init(ctx context.Context, sink hcd.CompletionSink) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
	return nil
}

// Ordinal returns the bus ordinal this simulator was constructed with.
func (h *HCD) Ordinal() uint8 { return h.ordinal }

// TransferEnqueue runs the handler asynchronously and reports the
// result through CompletionSink.OnComplete, the way a real HCD's
// interrupt handler would.
func (h *HCD) TransferEnqueue(req *hcd.Request) error {
	h.pending.Store(req.ID, struct{}{})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		actual, status, data := h.handler(req)

		if _, stillPending := h.pending.LoadAndDelete(req.ID); !stillPending {
			return // dequeued before the handler returned
		}

		if status == pkgerr.StatusSuccess && req.Dir == devtree.DirectionIn && data != nil {
			copy(req.Data, data)
		}

		h.mu.Lock()
		sink := h.sink
		h.mu.Unlock()
		if sink != nil {
			sink.OnComplete(hcd.Completion{ID: req.ID, Status: status, Actual: actual})
		}
	}()

	return nil
}

// TransferDequeue cancels a request whose handler has not yet returned,
// reporting StatusAborted instead; the handler's own result is then
// discarded.
func (h *HCD) TransferDequeue(id uint64) error {
	if _, ok := h.pending.LoadAndDelete(id); !ok {
		return nil
	}
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink.OnComplete(hcd.Completion{ID: id, Status: pkgerr.StatusAborted})
	}
	return nil
}

// PipeDestroy is a no-op: the simulator attaches no per-pipe state.
func (h *HCD) PipeDestroy(any) error { return nil }

// RoothubTransfer simulates the hub-class SET_FEATURE/CLEAR_FEATURE
// requests a root hub port driver issues, the way a real HCD answers
// them internally rather than putting them on the wire. GET_STATUS
// callers should use GetRoothubStatus instead; data-stage requests
// other than those below are not exercised by the simulator.
func (h *HCD) RoothubTransfer(ctx context.Context, setup hcd.SetupPacket, _ []byte) (int, error) {
	port := int(setup.Index)
	if port < 1 || port > h.numPorts {
		return 0, pkgerr.ErrInvalidParameter
	}

	switch setup.Request {
	case requestSetFeature:
		switch setup.Value {
		case featurePortReset:
			h.mu.Lock()
			s := h.ports[port-1]
			s.Resetting = true
			h.ports[port-1] = s
			h.mu.Unlock()

			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				select {
				case <-time.After(resetSettleDelay):
					h.CompleteReset(port)
				case <-h.ctx.Done():
				}
			}()
		case featurePortPower:
			h.mu.Lock()
			h.ports[port-1].Powered = true
			h.mu.Unlock()
		}
		return 0, nil

	case requestClearFeature:
		h.mu.Lock()
		switch setup.Value {
		case featureCConnection:
			h.ports[port-1].ConnectChange = false
		case featureCReset:
			h.ports[port-1].ResetChange = false
		}
		h.mu.Unlock()
		return 0, nil
	}
	return 0, pkgerr.ErrNotSupported
}

// GetRoothubStatus returns the simulated status of a root hub port.
func (h *HCD) GetRoothubStatus(port int) (hcd.PortStatus, error) {
	if port < 1 || port > h.numPorts {
		return hcd.PortStatus{}, pkgerr.ErrInvalidParameter
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[port-1], nil
}

// NumRoothubPorts returns the configured root hub port count.
func (h *HCD) NumRoothubPorts() int { return h.numPorts }

// Close stops the simulator and waits for in-flight handler goroutines
// to finish.
func (h *HCD) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

// Connect simulates a device attaching to port (1-indexed) at the given
// speed, notifying the registered sink.
func (h *HCD) Connect(port int, speed devtree.Speed) {
	if port < 1 || port > h.numPorts {
		return
	}
	h.mu.Lock()
	h.ports[port-1] = hcd.PortStatus{Connected: true, Powered: true, Speed: speed, ConnectChange: true}
	status := h.ports[port-1]
	sink := h.sink
	h.mu.Unlock()

	pkglog.Debug(pkglog.ComponentHCD, "simulated connect", "port", port, "speed", speed.String())
	if sink != nil {
		sink.OnPortEvent(port, status)
	}
}

// Disconnect simulates a device detaching from port.
func (h *HCD) Disconnect(port int) {
	if port < 1 || port > h.numPorts {
		return
	}
	h.mu.Lock()
	h.ports[port-1] = hcd.PortStatus{ConnectChange: true}
	status := h.ports[port-1]
	sink := h.sink
	h.mu.Unlock()

	pkglog.Debug(pkglog.ComponentHCD, "simulated disconnect", "port", port)
	if sink != nil {
		sink.OnPortEvent(port, status)
	}
}

// CompleteReset marks a port's reset as finished, the way a real root
// hub reports RESET_CHANGE once SET_FEATURE(PORT_RESET) finishes.
func (h *HCD) CompleteReset(port int) {
	if port < 1 || port > h.numPorts {
		return
	}
	h.mu.Lock()
	s := h.ports[port-1]
	s.Resetting = false
	s.Enabled = true
	s.ResetChange = true
	h.ports[port-1] = s
	sink := h.sink
	h.mu.Unlock()

	if sink != nil {
		sink.OnPortEvent(port, s)
	}
}
