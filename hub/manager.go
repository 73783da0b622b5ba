package hub

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbhostcore/addralloc"
	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/pipebroker"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
	"github.com/ardnew/usbhostcore/registry"
	"github.com/ardnew/usbhostcore/transfer"
)

// portKey identifies one port on one hub device (the root hub or a
// downstream hub) in the FSM table.
type portKey struct {
	hub  *devtree.Device
	port int
}

// portEvent is one unit of work for the hub thread: re-evaluate port's
// status on hub and drive its FSM accordingly.
type portEvent struct {
	hub  *devtree.Device
	src  portSource
	port int
}

// Manager is the hub state machine for one host controller: its root
// hub plus every downstream hub discovered beneath it. One goroutine
// ("the hub thread") processes port events one at a time, matching
// specification §5's discipline that hub work is serialized.
type Manager struct {
	cfg   pkgcfg.Config
	tree  *devtree.Tree
	xfer  *transfer.Engine
	pipes *pipebroker.Broker
	addrs *addralloc.Allocator
	reg   *registry.Registry
	h     hcd.HCD

	root *devtree.Device

	mu    sync.Mutex
	ports map[portKey]State

	hubsMu   sync.Mutex
	hubStops map[*devtree.Device]chan struct{}

	queue  chan portEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager for one host controller's root hub. tree, xfer,
// pipes, addrs, and reg are shared with every other Manager a core
// runs, one per HCD.
func New(cfg pkgcfg.Config, tree *devtree.Tree, xfer *transfer.Engine, pipes *pipebroker.Broker, addrs *addralloc.Allocator, reg *registry.Registry, h hcd.HCD) *Manager {
	return &Manager{
		cfg:   cfg,
		tree:  tree,
		xfer:  xfer,
		pipes: pipes,
		addrs: addrs,
		reg:   reg,
		h:     h,
		ports: make(map[portKey]State),
		hubStops: make(map[*devtree.Device]chan struct{}),
		queue: make(chan portEvent, 64),
	}
}

// Start registers the root hub device in tree and launches the hub
// thread. Callers should install the Manager as the transfer engine's
// PortEventSink before or immediately after calling Start.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.root = m.tree.AddRoot(m.h.Ordinal(), devtree.SpeedHigh)

	m.wg.Add(1)
	go m.run()
}

// Stop halts the hub thread and every downstream hub watcher.
// In-flight port processing finishes first.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// OnPortEvent implements transfer.PortEventSink, translating a root
// hub's raw port event into a unit of hub-thread work.
func (m *Manager) OnPortEvent(hcdOrdinal uint8, port int, _ hcd.PortStatus) {
	if m.root == nil || hcdOrdinal != m.h.Ordinal() {
		return
	}
	m.enqueue(portEvent{hub: m.root, src: newRootSource(m.h), port: port})
}

func (m *Manager) enqueue(ev portEvent) {
	select {
	case m.queue <- ev:
	default:
		pkglog.Warn(pkglog.ComponentHub, "port event queue full, dropping event", "port", ev.port)
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.queue:
			m.processPort(ev.hub, ev.src, ev.port)
		}
	}
}

// portState returns the tracked FSM state for (hub, port), defaulting
// to StateDisconnected.
func (m *Manager) portState(hub *devtree.Device, port int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[portKey{hub, port}]
}

func (m *Manager) setPortState(hub *devtree.Device, port int, s State) {
	m.mu.Lock()
	m.ports[portKey{hub, port}] = s
	m.mu.Unlock()
}

// processPort runs one pass of the per-port state machine: a full
// connect-to-active (or failed) sequence when a device newly attaches,
// or teardown when one departs. Running this on the single hub-thread
// goroutine is what gives specification §5's "dedicated hub thread
// serializes per-hub work" its FIFO-per-hub ordering.
func (m *Manager) processPort(hub *devtree.Device, src portSource, port int) {
	status, err := src.GetPortStatus(m.ctx, port)
	if err != nil {
		pkglog.Warn(pkglog.ComponentHub, "port status read failed", "port", port, "error", err)
		return
	}

	if child := hub.Child(uint8(port)); child != nil && !status.Connected {
		m.disconnect(hub, port, child)
		return
	}

	if !status.Connected {
		m.setPortState(hub, port, StateDisconnected)
		return
	}

	if hub.Child(uint8(port)) != nil {
		return // already enumerated, spurious event
	}

	m.enumerate(hub, src, port)
}

// disconnect tears down dev and its entire downstream subtree in
// depth-first order, per specification §4.7.
func (m *Manager) disconnect(hub *devtree.Device, port int, dev *devtree.Device) {
	pkglog.Info(pkglog.ComponentHub, "device disconnected", "location", dev.Location().String())
	m.teardown(dev)
	_ = m.tree.Remove(dev.Location())
	m.setPortState(hub, port, StateDisconnected)
}

func (m *Manager) teardown(dev *devtree.Device) {
	for _, child := range dev.Children() {
		m.teardown(child)
	}
	for _, iface := range dev.Interfaces() {
		if iface.Bound() {
			if h := m.reg.Handler(iface.BoundDriver()); h != nil {
				h.OnDeletion(dev, iface.Descriptor.InterfaceNumber)
			}
		}
	}
	if dev.IsHub() {
		m.stopDownstreamHub(dev)
	}
	if addr := dev.Address(); addr != 0 {
		m.addrs.Release(addr)
	}
}

// enumerate runs the full debounce → reset → address → configure
// sequence for a newly connected port (specification §4.7).
func (m *Manager) enumerate(hub *devtree.Device, src portSource, port int) {
	m.setPortState(hub, port, StateDebouncing)
	if !m.debounce(src, port) {
		m.setPortState(hub, port, StateDisconnected)
		return
	}

	var dev *devtree.Device
	var lastErr error

	for attempt := 0; attempt < m.cfg.EnumerationAttempts; attempt++ {
		m.setPortState(hub, port, StateResetting)
		speed, ok := m.reset(src, port)
		if !ok {
			lastErr = pkgerr.ErrTimeout
			continue
		}

		loc, err := hub.Location().Child(uint8(port))
		if err != nil {
			pkglog.Warn(pkglog.ComponentHub, "hub chain too deep", "port", port, "error", err)
			m.setPortState(hub, port, StateFailed)
			return
		}

		dev = devtree.NewDevice(loc, hub.HCD(), speed, hub, uint8(port))

		m.setPortState(hub, port, StateAddressing)
		if err := m.address(dev); err != nil {
			lastErr = err
			continue
		}

		m.setPortState(hub, port, StateConfiguring)
		if err := m.configure(dev); err != nil {
			lastErr = err
			m.addrs.Release(dev.Address())
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		pkglog.Warn(pkglog.ComponentHub, "enumeration failed", "port", port, "error", lastErr)
		m.setPortState(hub, port, StateFailed)
		return
	}

	m.tree.Insert(dev)
	m.setPortState(hub, port, StateActive)
	pkglog.Info(pkglog.ComponentHub, "device active", "location", dev.Location().String(),
		"vendorID", dev.Descriptor().VendorID, "productID", dev.Descriptor().ProductID)

	if dev.IsHub() {
		m.startDownstreamHub(dev)
		return
	}

	for _, iface := range dev.Interfaces() {
		name, ok := m.reg.Bind(dev, iface.Descriptor.InterfaceNumber)
		if !ok {
			continue
		}
		if h := m.reg.Handler(name); h != nil {
			h.OnInsertion(dev, iface.Descriptor.InterfaceNumber)
		}
	}
}

// debounce samples the connection bit every DebounceSample until it
// has been stable for DebounceStable, or gives up after
// DebounceTimeout (specification §4.7).
func (m *Manager) debounce(src portSource, port int) bool {
	deadline := time.Now().Add(m.cfg.DebounceTimeout)
	var stableSince time.Time

	for {
		_ = src.ClearFeature(m.ctx, port, featureCConnection)
		status, err := src.GetPortStatus(m.ctx, port)
		if err != nil {
			return false
		}
		if !status.Connected {
			return false
		}
		if stableSince.IsZero() {
			stableSince = time.Now()
		} else if time.Since(stableSince) >= m.cfg.DebounceStable {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-time.After(m.cfg.DebounceSample):
		case <-m.ctx.Done():
			return false
		}
	}
}

// reset drives SET_FEATURE(PORT_RESET) and polls for C_RESET up to
// ResetRetries times (specification §4.7), returning the negotiated
// speed once reset completes.
func (m *Manager) reset(src portSource, port int) (devtree.Speed, bool) {
	if err := src.SetFeature(m.ctx, port, featurePortReset); err != nil {
		return 0, false
	}

	for try := 0; try < m.cfg.ResetRetries; try++ {
		select {
		case <-time.After(m.cfg.ResetPollInterval):
		case <-m.ctx.Done():
			return 0, false
		}

		status, err := src.GetPortStatus(m.ctx, port)
		if err != nil {
			return 0, false
		}
		if status.ResetChange {
			_ = src.ClearFeature(m.ctx, port, featureCReset)
			return status.Speed, true
		}
	}
	return 0, false
}

// address issues the two-stage GET_DEVICE_DESCRIPTOR/SET_ADDRESS dance
// at address 0 then re-reads the full descriptor at the new address,
// generalizing the teacher's host/enumeration.go enumerateDevice.
func (m *Manager) address(dev *devtree.Device) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DefaultTransferTimeout)
	defer cancel()

	var short [8]byte
	_, status := m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x80,
		Request:     0x06, // GET_DESCRIPTOR
		Value:       uint16(devtree.DescriptorTypeDevice) << 8,
		Length:      8,
	}, short[:])
	if status != pkgerr.StatusSuccess {
		return status.Err()
	}

	addr, err := m.addrs.Allocate()
	if err != nil {
		return err
	}

	_, status = m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x00,
		Request:     0x05, // SET_ADDRESS
		Value:       uint16(addr),
	}, nil)
	if status != pkgerr.StatusSuccess {
		m.addrs.Release(addr)
		return status.Err()
	}
	dev.SetAddress(addr)

	var full [devtree.DeviceDescriptorSize]byte
	_, status = m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       uint16(devtree.DescriptorTypeDevice) << 8,
		Length:      devtree.DeviceDescriptorSize,
	}, full[:])
	if status != pkgerr.StatusSuccess {
		m.addrs.Release(addr)
		return status.Err()
	}

	var desc devtree.DeviceDescriptor
	if !devtree.ParseDeviceDescriptor(full[:], &desc) {
		m.addrs.Release(addr)
		return pkgerr.ErrProtocol
	}
	dev.SetDescriptor(desc)
	return nil
}

// configure fetches and parses the configuration descriptor tree,
// fetches string descriptors, sets the active configuration, and for
// hubs fetches the hub-class descriptor to learn the port count.
func (m *Manager) configure(dev *devtree.Device) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DefaultTransferTimeout)
	defer cancel()

	var hdr [devtree.ConfigurationDescriptorSize]byte
	_, status := m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       uint16(devtree.DescriptorTypeConfiguration) << 8,
		Length:      devtree.ConfigurationDescriptorSize,
	}, hdr[:])
	if status != pkgerr.StatusSuccess {
		return status.Err()
	}

	var chdr devtree.ConfigurationDescriptor
	if !devtree.ParseConfigurationDescriptor(hdr[:], &chdr) {
		return pkgerr.ErrProtocol
	}
	total := chdr.TotalLength
	if total > devtree.MaxDescriptorSize {
		total = devtree.MaxDescriptorSize
	}

	full := make([]byte, total)
	_, status = m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       uint16(devtree.DescriptorTypeConfiguration) << 8,
		Length:      total,
	}, full)
	if status != pkgerr.StatusSuccess {
		return status.Err()
	}

	cfg, ok := devtree.ParseConfigurationTree(full)
	if !ok {
		return pkgerr.ErrProtocol
	}
	dev.SetConfiguration(cfg)

	m.fetchStrings(ctx, dev)

	if cfg.Descriptor.ConfigurationValue > 0 {
		_, status = m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
			RequestType: 0x00,
			Request:     0x09, // SET_CONFIGURATION
			Value:       uint16(cfg.Descriptor.ConfigurationValue),
		}, nil)
		if status != pkgerr.StatusSuccess {
			return status.Err()
		}
		dev.SetState(devtree.StateConfigured)
	}

	if dev.IsHub() {
		return m.fetchHubDescriptor(ctx, dev)
	}
	return nil
}

// fetchStrings reads the manufacturer, product, and serial number
// string descriptors if the device descriptor names non-zero indices,
// following the teacher's host/enumeration.go readStringDescriptors.
// Failures here are non-fatal.
func (m *Manager) fetchStrings(ctx context.Context, dev *devtree.Device) {
	desc := dev.Descriptor()
	for _, idx := range []uint8{desc.ManufacturerIndex, desc.ProductIndex, desc.SerialNumberIndex} {
		if idx == 0 {
			continue
		}
		var buf [devtree.MaxDescriptorSize]byte
		n, status := m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
			RequestType: 0x80,
			Request:     0x06,
			Value:       uint16(devtree.DescriptorTypeString)<<8 | uint16(idx),
			Index:       0x0409, // English (US)
			Length:      uint16(len(buf)),
		}, buf[:])
		if status != pkgerr.StatusSuccess || n < 2 {
			continue
		}
		dev.SetString(idx, decodeUTF16LEString(buf[2:n]))
	}
}

func decodeUTF16LEString(data []byte) string {
	out := make([]byte, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if data[i+1] == 0 && data[i] >= 0x20 && data[i] < 0x7F {
			out = append(out, data[i])
		}
	}
	return string(out)
}

const hubDescriptorRequestType = 0xA0

// fetchHubDescriptor reads the hub-class descriptor's port count,
// capped at MaxHubPorts, and powers every downstream port.
func (m *Manager) fetchHubDescriptor(ctx context.Context, dev *devtree.Device) error {
	var buf [9]byte
	_, status := m.xfer.SubmitSync(ctx, dev.ControlPipe(), hcd.SetupPacket{
		RequestType: hubDescriptorRequestType,
		Request:     requestGetDescriptor,
		Value:       uint16(devtree.DescriptorTypeHub) << 8,
		Length:      uint16(len(buf)),
	}, buf[:])
	if status != pkgerr.StatusSuccess {
		return status.Err()
	}

	numPorts := int(buf[2])
	if numPorts > m.cfg.MaxHubPorts {
		numPorts = m.cfg.MaxHubPorts
	}
	dev.SetNumPorts(numPorts)

	src := newDeviceSource(dev, m.xfer)
	for port := 1; port <= numPorts; port++ {
		_ = src.SetFeature(ctx, port, featurePortPower)
	}
	return nil
}
