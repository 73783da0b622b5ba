package devtree

import (
	"sync"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// Tree is the process-wide map of every device currently attached to
// every host controller, keyed by its LocationID. One Tree is shared by
// all HCDs a core manages; the teacher's Host kept a single flat array
// indexed by address instead, since it never modeled more than one
// controller or any hub depth.
type Tree struct {
	mu      sync.RWMutex
	devices map[LocationID]*Device
	roots   map[uint8]*Device // by HCD ordinal
}

// NewTree returns an empty device tree.
func NewTree() *Tree {
	return &Tree{
		devices: make(map[LocationID]*Device),
		roots:   make(map[uint8]*Device),
	}
}

// AddRoot registers the root hub for a host controller. speed is the
// root hub's own nominal speed (typically SpeedHigh).
func (t *Tree) AddRoot(hcd uint8, speed Speed) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	loc := Root(hcd)
	d := NewDevice(loc, hcd, speed, nil, 0)
	d.isHub = true
	d.state = StateConfigured
	t.devices[loc] = d
	t.roots[hcd] = d
	return d
}

// Root returns the root hub device for a host controller, or nil if
// AddRoot has not been called for it.
func (t *Tree) Root(hcd uint8) *Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roots[hcd]
}

// Insert adds a newly enumerated device to the tree, wiring it into its
// parent hub's child table.
func (t *Tree) Insert(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[d.location] = d
	if d.parent != nil {
		d.parent.AddChild(d.parentPort, d)
	}
	pkglog.Debug(pkglog.ComponentDevTree, "device inserted", "location", d.location.String())
}

// Find returns the device at a given location, or nil.
func (t *Tree) Find(loc LocationID) *Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.devices[loc]
}

// FindByAddress scans for a device with the given address on the given
// HCD. Used by transfer dispatch, which addresses devices the way the
// wire protocol does (hcd + address), not by location.
func (t *Tree) FindByAddress(hcd uint8, addr uint8) *Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.devices {
		if d.hcd == hcd && d.Address() == addr {
			return d
		}
	}
	return nil
}

// Devices returns a snapshot of every device currently in the tree.
func (t *Tree) Devices() []*Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// Remove tears down a device and, recursively, every device attached
// beneath it (specification §4.7's depth-first disconnect teardown: a
// hub disconnecting takes its whole downstream subtree with it).
func (t *Tree) Remove(loc LocationID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[loc]
	if !ok {
		return pkgerr.ErrNoDevice
	}
	t.removeSubtree(d)
	return nil
}

func (t *Tree) removeSubtree(d *Device) {
	for _, child := range d.Children() {
		t.removeSubtree(child)
	}
	d.SetState(StateDetached)
	delete(t.devices, d.location)
	if d.parent != nil {
		d.parent.RemoveChild(d.parentPort)
	}
	pkglog.Debug(pkglog.ComponentDevTree, "device removed", "location", d.location.String())
}
