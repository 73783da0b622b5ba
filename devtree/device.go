package devtree

import (
	"sync"
)

// Speed is the negotiated USB signaling rate (specification §3).
type Speed uint8

// Speed constants, USB 2.0.
const (
	SpeedLow  Speed = iota // 1.5 Mbit/s
	SpeedFull              // 12 Mbit/s
	SpeedHigh              // 480 Mbit/s
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MaxPacketSize0 returns the default control endpoint packet size for
// devices freshly reset at this speed, before the real descriptor's
// bMaxPacketSize0 is known.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// State is a device's position in the enumeration lifecycle
// (specification §4.7).
type State uint8

// Device states.
const (
	StateAttached   State = iota // physically present, not yet reset
	StateDefault                 // reset, sitting at address 0
	StateAddressed                // SET_ADDRESS complete
	StateConfigured               // SET_CONFIGURATION complete
	StateFailed                   // enumeration gave up
	StateDetached                 // removed; kept only until tree GC
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDefault:
		return "default"
	case StateAddressed:
		return "addressed"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Pipe is an endpoint binding: the (device, endpoint) pair plus whatever
// private bookkeeping the owning HCD needs to schedule transfers on it.
// devtree.Pipe models the device-level pipe described in specification
// §3; pipebroker.Broker hands out per-driver handles that reference one
// of these.
type Pipe struct {
	Device   *Device
	Endpoint uint8 // endpoint number, 0-15
	Dir      uint8 // DirectionIn or DirectionOut
	Type     uint8 // TransferControl/Isochronous/Bulk/Interrupt
	MaxPacketLength uint16
	Interval uint8 // polling interval, interrupt/isochronous only

	// HCDPrivate is opaque state the owning HCD attaches to the pipe the
	// first time it schedules a transfer on it (e.g. a queue head handle
	// for a real controller, or nothing for a simulated one).
	HCDPrivate any

	// owner is the driver identity holding this pipe open, empty for the
	// device's always-present control pipe before any driver claims the
	// interface it belongs to.
	owner string
}

// Owner returns the identity of the driver that opened this pipe, or ""
// if it is the device's bare control pipe.
func (p *Pipe) Owner() string { return p.owner }

// Device is one node in the device tree: a physical USB device or hub,
// addressed, parsed, and (if a hub) the parent of its own children.
type Device struct {
	mu sync.RWMutex

	location LocationID
	hcd      uint8
	speed    Speed
	address  uint8
	state    State

	descriptor    DeviceDescriptor
	configuration *Configuration
	strings       [MaxStringsPerDevice]string

	control *Pipe

	parent   *Device
	parentPort uint8
	children map[uint8]*Device // by downstream port number, hubs only
	isHub    bool
	numPorts int
}

// NewDevice creates a device sitting at address 0, freshly reset, not
// yet parsed.
func NewDevice(location LocationID, hcd uint8, speed Speed, parent *Device, parentPort uint8) *Device {
	d := &Device{
		location:   location,
		hcd:        hcd,
		speed:      speed,
		state:      StateDefault,
		parent:     parent,
		parentPort: parentPort,
		children:   make(map[uint8]*Device),
	}
	d.control = &Pipe{
		Device:          d,
		Endpoint:        0,
		Dir:             DirectionOut,
		Type:            TransferControl,
		MaxPacketLength: speed.MaxPacketSize0(),
	}
	return d
}

// Location returns the device's nibble-packed topology address.
func (d *Device) Location() LocationID { return d.location }

// HCD returns the ordinal of the host controller this device hangs off.
func (d *Device) HCD() uint8 { return d.hcd }

// Speed returns the negotiated signaling rate.
func (d *Device) Speed() Speed { return d.speed }

// Address returns the device's current USB address (0 before
// SET_ADDRESS completes).
func (d *Device) Address() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

// SetAddress records the address assigned by SET_ADDRESS.
func (d *Device) SetAddress(addr uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = addr
	d.state = StateAddressed
}

// State returns the device's current enumeration state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState transitions the device to a new enumeration state.
func (d *Device) SetState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// SetDescriptor records the parsed device descriptor and refreshes the
// control pipe's max packet length with the authoritative value.
func (d *Device) SetDescriptor(desc DeviceDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptor = desc
	if desc.MaxPacketSize0 > 0 {
		d.control.MaxPacketLength = uint16(desc.MaxPacketSize0)
	}
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.descriptor
}

// SetConfiguration records the parsed active configuration tree and, when
// the device class is 0x09, marks the device as a hub.
func (d *Device) SetConfiguration(cfg *Configuration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configuration = cfg
	if d.descriptor.DeviceClass == 0x09 { // hub class
		d.isHub = true
	}
}

// Configuration returns the active configuration, or nil if the device
// has not been configured yet.
func (d *Device) Configuration() *Configuration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configuration
}

// ControlPipe returns the device's always-present default control pipe.
func (d *Device) ControlPipe() *Pipe { return d.control }

// SetString caches a decoded string descriptor at the given index.
func (d *Device) SetString(index uint8, s string) {
	if int(index) >= len(d.strings) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strings[index] = s
}

// String returns a cached string descriptor, or "" if none was fetched.
func (d *Device) String(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.strings[index]
}

// Manufacturer, Product, and SerialNumber read the cached string table
// at the indices the device descriptor names.
func (d *Device) Manufacturer() string { return d.String(d.descriptor.ManufacturerIndex) }
func (d *Device) Product() string      { return d.String(d.descriptor.ProductIndex) }
func (d *Device) SerialNumber() string { return d.String(d.descriptor.SerialNumberIndex) }

// IsHub reports whether this device's class identifies it as a hub.
func (d *Device) IsHub() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isHub
}

// SetNumPorts records a hub's downstream port count, read from its hub
// class descriptor.
func (d *Device) SetNumPorts(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numPorts = n
}

// NumPorts returns a hub's downstream port count (0 for non-hubs).
func (d *Device) NumPorts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.numPorts
}

// Parent returns the hub this device is attached to, or nil for a root
// hub.
func (d *Device) Parent() *Device { return d.parent }

// ParentPort returns the downstream port number on Parent this device
// occupies (meaningless for a root hub).
func (d *Device) ParentPort() uint8 { return d.parentPort }

// AddChild records a device attached to one of this hub's downstream
// ports.
func (d *Device) AddChild(port uint8, child *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[port] = child
}

// RemoveChild clears a downstream port's occupant.
func (d *Device) RemoveChild(port uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.children, port)
}

// Child returns the device at the given downstream port, or nil.
func (d *Device) Child(port uint8) *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.children[port]
}

// Children returns a snapshot of every currently attached downstream
// device, in no particular order.
func (d *Device) Children() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Device, 0, len(d.children))
	for _, c := range d.children {
		out = append(out, c)
	}
	return out
}

// Interfaces returns the interface list of the active configuration, or
// nil if unconfigured.
func (d *Device) Interfaces() []Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.configuration == nil {
		return nil
	}
	return d.configuration.Interfaces
}

// BindInterface marks an interface as owned by driver, used by the
// registry once a filter match succeeds.
func (d *Device) BindInterface(ifaceNum uint8, driver string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configuration == nil {
		return false
	}
	for i := range d.configuration.Interfaces {
		if d.configuration.Interfaces[i].Descriptor.InterfaceNumber == ifaceNum {
			d.configuration.Interfaces[i].bound = driver
			return true
		}
	}
	return false
}

// UnbindInterface releases a driver's ownership of an interface,
// leaving it orphaned.
func (d *Device) UnbindInterface(ifaceNum uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configuration == nil {
		return
	}
	for i := range d.configuration.Interfaces {
		if d.configuration.Interfaces[i].Descriptor.InterfaceNumber == ifaceNum {
			d.configuration.Interfaces[i].bound = ""
			return
		}
	}
}
