package transfer

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

// URB is one USB Request Block: everything needed to submit a transfer
// and route its eventual completion back to the caller.
type URB struct {
	ID   uint64
	Pipe *devtree.Pipe

	Setup *hcd.SetupPacket // control transfers only
	Data  []byte

	// Deadline is when the scheduler gives up on this URB and completes
	// it with pkgerr.StatusTimeout. The zero value means no deadline.
	Deadline time.Time

	// Callback is invoked exactly once when the URB completes, times out,
	// or is cancelled, on whichever goroutine finalizes it: the HCD's
	// completion path, the engine's timeout scheduler, or the caller of
	// Cancel (or of Submit, when the HCD refuses the request).
	Callback func(urb *URB, actual int, status pkgerr.Status)

	completed int32 // atomic; guards Callback running more than once
}

// PortEventSink receives root hub port events forwarded from the
// underlying HCD, typically the hub state machine.
type PortEventSink interface {
	OnPortEvent(hcdOrdinal uint8, port int, status hcd.PortStatus)
}

// Engine schedules URBs onto one HCD, enforcing FIFO completion order
// per pipe and timing out URBs whose deadline has passed.
type Engine struct {
	hcd  hcd.HCD
	tick time.Duration

	mu     sync.Mutex
	active map[uint64]*URB
	queues map[*devtree.Pipe][]*URB
	nextID uint64

	portSink PortEventSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an Engine over h. tick is the scheduler's timeout
// polling interval (specification §4.4 default: 100ms).
func NewEngine(h hcd.HCD, tick time.Duration) *Engine {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Engine{
		hcd:    h,
		tick:   tick,
		active: make(map[uint64]*URB),
		queues: make(map[*devtree.Pipe][]*URB),
	}
}

// SetPortEventSink installs the receiver for root hub port events. Must
// be called before Start to avoid racing the HCD's own event delivery.
func (e *Engine) SetPortEventSink(sink PortEventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portSink = sink
}

// Start initializes the underlying HCD and begins the timeout scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.hcd.Init(e.ctx, e); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.scheduler()
	return nil
}

// Stop halts the scheduler and closes the underlying HCD.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.hcd.Close()
}

// Submit assigns a URB an ID and queues it on its pipe's FIFO. If the
// pipe was idle, the URB is dispatched to the HCD immediately;
// otherwise it waits behind whatever is already in flight on that pipe.
func (e *Engine) Submit(urb *URB) (uint64, error) {
	if urb.Pipe == nil {
		return 0, pkgerr.ErrInvalidParameter
	}

	e.mu.Lock()
	e.nextID++
	urb.ID = e.nextID
	e.active[urb.ID] = urb

	queue := e.queues[urb.Pipe]
	e.queues[urb.Pipe] = append(queue, urb)
	dispatchNow := len(queue) == 0
	e.mu.Unlock()

	if dispatchNow {
		e.dispatch(urb)
	}
	return urb.ID, nil
}

func (e *Engine) dispatch(urb *URB) {
	if urb.Pipe.Type == devtree.TransferIsochronous {
		// Isochronous transfers are declined before reaching the HCD.
		e.complete(urb.ID, 0, pkgerr.StatusNotSupported)
		return
	}
	dir := urb.Pipe.Dir
	if urb.Pipe.Type == devtree.TransferControl && urb.Setup != nil {
		// The control pipe itself carries no fixed direction; each
		// transfer's direction comes from the setup packet's
		// bmRequestType (USB 2.0 table 9-2).
		if urb.Setup.RequestType&0x80 != 0 {
			dir = devtree.DirectionIn
		} else {
			dir = devtree.DirectionOut
		}
	}
	req := &hcd.Request{
		ID:          urb.ID,
		Address:     urb.Pipe.Device.Address(),
		Endpoint:    urb.Pipe.Endpoint,
		Dir:         dir,
		Type:        urb.Pipe.Type,
		Setup:       urb.Setup,
		Data:        urb.Data,
		PipePrivate: &urb.Pipe.HCDPrivate,
	}
	if err := e.hcd.TransferEnqueue(req); err != nil {
		e.complete(urb.ID, 0, statusFromError(err))
	}
}

// Cancel requests cancellation of a pending URB.
func (e *Engine) Cancel(id uint64) error {
	e.mu.Lock()
	urb, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return pkgerr.ErrNoResources
	}
	_ = e.hcd.TransferDequeue(id)
	e.complete(id, 0, pkgerr.StatusAborted)
	_ = urb
	return nil
}

// scheduler wakes every tick and times out any URB past its deadline.
func (e *Engine) scheduler() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.checkTimeouts(now)
		}
	}
}

func (e *Engine) checkTimeouts(now time.Time) {
	e.mu.Lock()
	var expired []uint64
	for id, urb := range e.active {
		if !urb.Deadline.IsZero() && now.After(urb.Deadline) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		pkglog.Debug(pkglog.ComponentTransfer, "urb timed out", "id", id)
		_ = e.hcd.TransferDequeue(id)
		e.complete(id, 0, pkgerr.StatusTimeout)
	}
}

// OnComplete implements hcd.CompletionSink.
func (e *Engine) OnComplete(c hcd.Completion) {
	e.complete(c.ID, c.Actual, c.Status)
}

// OnPortEvent implements hcd.CompletionSink, forwarding to the
// installed PortEventSink if any.
func (e *Engine) OnPortEvent(port int, status hcd.PortStatus) {
	e.mu.Lock()
	sink := e.portSink
	ordinal := e.hcd.Ordinal()
	e.mu.Unlock()
	if sink != nil {
		sink.OnPortEvent(ordinal, port, status)
	}
}

// complete finalizes a URB exactly once, invokes its callback, and
// advances its pipe's FIFO to the next queued URB if any.
func (e *Engine) complete(id uint64, actual int, status pkgerr.Status) {
	e.mu.Lock()
	urb, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.active, id)

	queue := e.queues[urb.Pipe]
	var next *URB
	if len(queue) > 0 && queue[0].ID == id {
		queue = queue[1:]
		if len(queue) == 0 {
			delete(e.queues, urb.Pipe)
		} else {
			e.queues[urb.Pipe] = queue
			next = queue[0]
		}
	}
	e.mu.Unlock()

	if atomic.CompareAndSwapInt32(&urb.completed, 0, 1) && urb.Callback != nil {
		urb.Callback(urb, actual, status)
	}

	if next != nil {
		e.dispatch(next)
	}
}

// SubmitSync submits a URB and blocks until it completes, times out, or
// ctx is cancelled. It is a convenience for callers that have no use
// for the async Submit/Callback split, such as the hub state machine's
// serialized per-port enumeration sequence.
func (e *Engine) SubmitSync(ctx context.Context, pipe *devtree.Pipe, setup hcd.SetupPacket, data []byte) (int, pkgerr.Status) {
	done := make(chan struct{})
	var actual int
	var status pkgerr.Status

	urb := &URB{
		Pipe:  pipe,
		Setup: &setup,
		Data:  data,
		Callback: func(u *URB, a int, s pkgerr.Status) {
			actual, status = a, s
			close(done)
		},
	}
	if d, ok := ctx.Deadline(); ok {
		urb.Deadline = d
	}

	id, err := e.Submit(urb)
	if err != nil {
		return 0, pkgerr.StatusProtocol
	}

	select {
	case <-done:
		return actual, status
	case <-ctx.Done():
		_ = e.Cancel(id)
		<-done
		return actual, status
	}
}

// RootHubTransfer issues a synchronous hub-class control request
// directly to the HCD's root hub, bypassing the per-pipe URB queue
// entirely since root hub requests never contend with downstream
// device traffic.
func (e *Engine) RootHubTransfer(ctx context.Context, setup hcd.SetupPacket, data []byte) (int, error) {
	return e.hcd.RoothubTransfer(ctx, setup, data)
}

// Check reports whether the URB identified by id is still outstanding
// (queued or in flight on the HCD). It returns false once the URB has
// completed, timed out, or been cancelled, and also false for an id
// Submit never assigned. This is the poll-style counterpart to
// Callback for callers that submitted a URB without one.
func (e *Engine) Check(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// PendingCount reports how many URBs are currently tracked (in flight
// or queued), for diagnostics and tests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func statusFromError(err error) pkgerr.Status {
	switch err {
	case pkgerr.ErrNoDevice:
		return pkgerr.StatusNoDevice
	case pkgerr.ErrNotSupported:
		return pkgerr.StatusNotSupported
	default:
		return pkgerr.StatusIO
	}
}
