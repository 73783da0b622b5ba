package ipc

import (
	"context"
	"net"
	"sync"

	"github.com/ardnew/usbhostcore/bufpool"
	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/pipebroker"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
	"github.com/ardnew/usbhostcore/registry"
	"github.com/ardnew/usbhostcore/transfer"
)

// Gateway listens on a Unix domain socket and serves specification
// §6.2's DevCtl protocol to external drivers, dispatching requests into
// the same pipebroker/registry/transfer/bufpool instances an internal
// driver would call directly.
type Gateway struct {
	cfg    pkgcfg.Config
	tree   *devtree.Tree
	broker *pipebroker.Broker
	reg    *registry.Registry
	pool   *bufpool.Pool

	engines map[uint8]*transfer.Engine // keyed by hcd ordinal

	ln         net.Listener
	socketPath string

	work chan func()

	mu    sync.Mutex
	conns map[*driverConn]struct{}
	// tokens maps a fabricated "physical address" handed out by Alloc
	// to the buffer it names, since this software stack has no real
	// DMA address space for Free to address a buffer by.
	tokens   map[uint64]*bufpool.Buffer
	nextTok  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps collects the shared instances a Gateway dispatches into.
type Deps struct {
	Tree    *devtree.Tree
	Broker  *pipebroker.Broker
	Reg     *registry.Registry
	Pool    *bufpool.Pool
	Engines map[uint8]*transfer.Engine
}

// New builds a Gateway over deps. Serve starts cfg.IPCWorkers goroutines
// (at least one) that run functions from the gateway's work queue;
// driver requests are not routed through that queue but are handled in
// order on each connection's own goroutine.
func New(cfg pkgcfg.Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:     cfg,
		tree:    deps.Tree,
		broker:  deps.Broker,
		reg:     deps.Reg,
		pool:    deps.Pool,
		engines: deps.Engines,
		work:    make(chan func(), 64),
		conns:   make(map[*driverConn]struct{}),
		tokens:  make(map[uint64]*bufpool.Buffer),
	}
}

// Serve accepts driver connections on addr (a filesystem path for a
// Unix domain socket) until ctx is cancelled or Close is called.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return err
	}
	g.ln = ln
	g.socketPath = addr
	g.ctx, g.cancel = context.WithCancel(ctx)

	workers := g.cfg.IPCWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}

	pkglog.Info(pkglog.ComponentIPC, "gateway listening", "addr", addr, "workers", workers)

	go func() {
		<-g.ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-g.ctx.Done():
				return nil
			default:
				return err
			}
		}
		g.wg.Add(1)
		go g.serveConn(c)
	}
}

// Close shuts the gateway down, closing its listener and every driver
// connection it accepted.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Lock()
	conns := make([]*driverConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	g.wg.Wait()
	return nil
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case fn := <-g.work:
			fn()
		}
	}
}

// driverConn is one accepted driver connection. It implements
// registry.Handler so the registry can push insertion/deletion/
// completion notifications to an external driver exactly as it would
// call an internal driver's Handler directly.
type driverConn struct {
	gw   *Gateway
	conn net.Conn
	name string

	writeMu sync.Mutex
}

func (g *Gateway) serveConn(c net.Conn) {
	defer g.wg.Done()
	dc := &driverConn{gw: g, conn: c}
	g.mu.Lock()
	g.conns[dc] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, dc)
		g.mu.Unlock()
		if dc.name != "" {
			g.broker.CloseAll(dc.name, g.rootHCD())
			_ = g.reg.Unregister(dc.name)
		}
		_ = c.Close()
	}()

	for {
		msgType, payload, err := ReadFrame(c)
		if err != nil {
			return
		}
		dc.dispatch(msgType, payload)
	}
}

// rootHCD returns nil: the gateway holds no HCD references, so the
// CloseAll in serveConn's teardown frees a disconnected driver's
// broker-side table entries without any HCD-side pipe cleanup.
func (g *Gateway) rootHCD() hcd.HCD { return nil }

func (dc *driverConn) send(msgType byte, payload []byte) {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	if err := WriteFrame(dc.conn, msgType, payload); err != nil {
		pkglog.Debug(pkglog.ComponentIPC, "write failed", "driver", dc.name, "error", err)
	}
}

func (dc *driverConn) dispatch(msgType byte, payload []byte) {
	switch msgType {
	case MsgConnect:
		dc.handleConnect(payload)
	case MsgOpen:
		dc.handleOpen(payload)
	case MsgUrb:
		dc.handleUrb(payload)
	case MsgUrbCmd:
		dc.handleUrbCmd(payload)
	case MsgAlloc:
		dc.handleAlloc(payload)
	case MsgFree:
		dc.handleFree(payload)
	case MsgDevDesc:
		dc.handleDevDesc(payload)
	default:
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
	}
}

func (dc *driverConn) handleConnect(payload []byte) {
	req, err := UnmarshalConnectRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	filters := make([]registry.Filter, len(req.Filters))
	for i, f := range req.Filters {
		filters[i] = registry.Filter{
			Class:     int(f.Class),
			SubClass:  int(f.SubClass),
			Protocol:  int(f.Protocol),
			VendorID:  int(f.VendorID),
			ProductID: int(f.ProductID),
		}
	}
	if err := dc.gw.reg.Register(req.Name, filters, registry.TransportExternal, dc); err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusIO)).Marshal())
		return
	}
	dc.name = req.Name
	dc.send(MsgReply, OKReply(nil).Marshal())
}

func (dc *driverConn) handleOpen(payload []byte) {
	req, err := UnmarshalOpenRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	dev := dc.gw.tree.FindByAddress(req.Bus, req.Device)
	if dev == nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
		return
	}
	id, _, err := dc.gw.broker.Open(dc.name, dev, req.Interface, req.Direction, req.Type)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusIO)).Marshal())
		return
	}
	reply := make([]byte, 8)
	putUint64(reply, uint64(id))
	dc.send(MsgReply, OKReply(reply).Marshal())
}

func (dc *driverConn) handleUrb(payload []byte) {
	req, err := UnmarshalUrbRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	pipe := dc.gw.broker.Lookup(pipebroker.ID(req.Pipe))
	if pipe == nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
		return
	}
	eng := dc.gw.engines[pipe.Device.HCD()]
	if eng == nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
		return
	}

	var setup *hcd.SetupPacket
	if req.Type == devtree.TransferControl {
		sp := unmarshalSetupPacket(req.Setup)
		setup = &sp
	}

	if req.Sync {
		ctx := dc.gw.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		data := append([]byte(nil), req.Data...)
		actual, status := eng.SubmitSync(ctx, pipe, derefSetup(setup), data)
		if status != pkgerr.StatusSuccess {
			dc.send(MsgReply, ErrReply(byte(status)).Marshal())
			return
		}
		out := data
		if req.Direction == devtree.DirectionIn {
			out = data[:actual]
		}
		dc.send(MsgReply, OKReply(out).Marshal())
		return
	}

	urb := &transfer.URB{
		Pipe:  pipe,
		Setup: setup,
		Data:  append([]byte(nil), req.Data...),
		Callback: func(urb *transfer.URB, actual int, status pkgerr.Status) {
			var out []byte
			if req.Direction == devtree.DirectionIn {
				out = urb.Data[:actual]
			}
			dc.send(MsgCompletion, CompletionEvent{
				Pipe:   req.Pipe,
				URBID:  urb.ID,
				Actual: uint32(actual),
				Status: byte(status),
				Data:   out,
			}.Marshal())
		},
	}
	id, err := eng.Submit(urb)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusIO)).Marshal())
		return
	}
	reply := make([]byte, 8)
	putUint64(reply, id)
	dc.send(MsgReply, OKReply(reply).Marshal())
}

func (dc *driverConn) handleUrbCmd(payload []byte) {
	req, err := UnmarshalUrbCmdRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	switch req.Sub {
	case UrbCmdCancel:
		for _, eng := range dc.gw.engines {
			if eng.Cancel(req.URBID) == nil {
				dc.send(MsgReply, OKReply(nil).Marshal())
				return
			}
		}
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
	default:
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNotSupported)).Marshal())
	}
}

func (dc *driverConn) handleAlloc(payload []byte) {
	req, err := UnmarshalAllocRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	buf, err := dc.gw.pool.Alloc(int(req.Size))
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusIO)).Marshal())
		return
	}
	dc.gw.mu.Lock()
	dc.gw.nextTok++
	tok := dc.gw.nextTok
	dc.gw.tokens[tok] = buf
	dc.gw.mu.Unlock()

	reply := make([]byte, 8)
	putUint64(reply, tok)
	dc.send(MsgReply, OKReply(reply).Marshal())
}

func (dc *driverConn) handleFree(payload []byte) {
	req, err := UnmarshalFreeRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	dc.gw.mu.Lock()
	buf, ok := dc.gw.tokens[req.Token]
	delete(dc.gw.tokens, req.Token)
	dc.gw.mu.Unlock()
	if !ok {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
		return
	}
	if err := dc.gw.pool.Free(buf); err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusIO)).Marshal())
		return
	}
	dc.send(MsgReply, OKReply(nil).Marshal())
}

func (dc *driverConn) handleDevDesc(payload []byte) {
	req, err := UnmarshalDevDescRequest(payload)
	if err != nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusProtocol)).Marshal())
		return
	}
	dev := dc.gw.tree.FindByAddress(req.Bus, req.Device)
	if dev == nil {
		dc.send(MsgReply, ErrReply(byte(pkgerr.StatusNoDevice)).Marshal())
		return
	}
	desc := dev.Descriptor()
	out := marshalDeviceDescriptorReply(desc, dev.Manufacturer(), dev.Product(), dev.SerialNumber())
	dc.send(MsgReply, OKReply(out).Marshal())
}

// OnInsertion forwards a bind notification as an unsolicited
// MsgInsertion frame, implementing registry.Handler for this driver's
// external transport, and publishes this interface's stable symlink
// (specification §6.3) pointing at the gateway socket this driver is
// already connected through.
func (dc *driverConn) OnInsertion(dev *devtree.Device, ifaceNum uint8) {
	dc.send(MsgInsertion, InsertionEvent{Bus: dev.HCD(), Device: dev.Address(), InterfaceIndex: ifaceNum}.Marshal())
	if dc.gw.cfg.SymlinkRoot == "" || dc.gw.socketPath == "" {
		return
	}
	desc := dev.Descriptor()
	name := SymlinkName(dc.gw.cfg.SymlinkRoot, desc.VendorID, desc.ProductID, ifaceNum)
	if err := EnsureSymlink(name, dc.gw.socketPath); err != nil {
		pkglog.Warn(pkglog.ComponentIPC, "failed to publish symlink", "name", name, "error", err)
	}
}

// OnDeletion forwards a teardown notification as an unsolicited
// MsgDeletion frame and removes the symlink OnInsertion published.
func (dc *driverConn) OnDeletion(dev *devtree.Device, ifaceNum uint8) {
	dc.send(MsgDeletion, InsertionEvent{Bus: dev.HCD(), Device: dev.Address(), InterfaceIndex: ifaceNum}.Marshal())
	if dc.gw.cfg.SymlinkRoot == "" {
		return
	}
	desc := dev.Descriptor()
	name := SymlinkName(dc.gw.cfg.SymlinkRoot, desc.VendorID, desc.ProductID, ifaceNum)
	if err := RemoveSymlink(name); err != nil {
		pkglog.Warn(pkglog.ComponentIPC, "failed to remove symlink", "name", name, "error", err)
	}
}

// OnCompletion is unused: asynchronous URBs submitted through this
// gateway already carry their own per-URB Callback (see handleUrb),
// which sends a more specific MsgCompletion frame than this
// registry-wide hook could.
func (dc *driverConn) OnCompletion(pipeID, urbID uint64, actual int, status pkgerr.Status) {}
