package pipebroker

import (
	"sync"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// EnumerationOwner is the reserved driver identity for pipes opened on
// behalf of no driver, per specification §4.5. The hub state machine
// does not open pipes through the broker: addressing, configuration and
// downstream hub status polling all use each device's own control pipe,
// so no pipe is currently opened under this identity.
const EnumerationOwner = "\x00enumeration"

// ID is an opaque handle returned by Open, meaningful only to this
// broker.
type ID uint64

// entry is the broker's bookkeeping for one open pipe.
type entry struct {
	driver string
	pipe   *devtree.Pipe
}

// Broker hands out and tracks per-driver pipe handles over a shared
// devtree.Tree. One Broker instance is shared by every HCD and driver
// in a running core, matching the single driver-registry lock
// specification §5 describes for pipe/URB tables.
type Broker struct {
	mu      sync.Mutex
	nextID  ID
	entries map[ID]*entry
	byOwner map[string][]ID
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		entries: make(map[ID]*entry),
		byOwner: make(map[string][]ID),
	}
}

// Open satisfies specification §4.5's `open(driver, device, interface,
// direction, type)`. endpoint 0 with type TransferControl clones the
// device's control pipe; any other combination scans interfaceNum's
// endpoint descriptors for the first match on type and direction.
func (b *Broker) Open(driver string, dev *devtree.Device, interfaceNum uint8, dir uint8, xferType uint8) (ID, *devtree.Pipe, error) {
	if dev == nil {
		return 0, nil, pkgerr.ErrNoDevice
	}

	var pipe *devtree.Pipe
	if xferType == devtree.TransferControl {
		cp := *dev.ControlPipe()
		pipe = &cp
	} else {
		ep, err := findEndpoint(dev, interfaceNum, dir, xferType)
		if err != nil {
			return 0, nil, err
		}
		pipe = &devtree.Pipe{
			Device:          dev,
			Endpoint:        ep.Number(),
			Dir:             ep.Direction(),
			Type:            ep.TransferType(),
			MaxPacketLength: ep.MaxPacketSize,
			Interval:        ep.Interval,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.entries[id] = &entry{driver: driver, pipe: pipe}
	b.byOwner[driver] = append(b.byOwner[driver], id)

	pkglog.Debug(pkglog.ComponentPipe, "pipe opened", "driver", driver, "id", uint64(id), "endpoint", pipe.Endpoint, "type", pipe.Type)
	return id, pipe, nil
}

// findEndpoint scans interfaceNum's endpoints for the first one whose
// TransferType and Direction match.
func findEndpoint(dev *devtree.Device, interfaceNum uint8, dir uint8, xferType uint8) (*devtree.EndpointDescriptor, error) {
	for _, iface := range dev.Interfaces() {
		if iface.Descriptor.InterfaceNumber != interfaceNum {
			continue
		}
		for i := range iface.Endpoints {
			ep := &iface.Endpoints[i]
			if ep.TransferType() == xferType && ep.Direction() == dir {
				return ep, nil
			}
		}
		return nil, pkgerr.ErrNoPipe
	}
	return nil, pkgerr.ErrNoInterface
}

// Close releases id, asking h to destroy any per-pipe scheduling state
// it attached via the pipe's HCDPrivate field.
func (b *Broker) Close(id ID, h hcd.HCD) error {
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return pkgerr.ErrNoPipe
	}
	delete(b.entries, id)
	b.byOwner[e.driver] = removeID(b.byOwner[e.driver], id)
	b.mu.Unlock()

	pkglog.Debug(pkglog.ComponentPipe, "pipe closed", "driver", e.driver, "id", uint64(id))
	if h != nil {
		return h.PipeDestroy(e.pipe.HCDPrivate)
	}
	return nil
}

// Lookup returns the pipe behind id, or nil if it is not open.
func (b *Broker) Lookup(id ID) *devtree.Pipe {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return nil
	}
	return e.pipe
}

// Owner returns the driver identity that owns id, or "" if unopened.
func (b *Broker) Owner(id ID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return ""
	}
	return e.driver
}

// CloseAll closes every pipe owned by driver, the per-driver teardown
// specification §4.6's unregister operation requires.
func (b *Broker) CloseAll(driver string, h hcd.HCD) {
	b.mu.Lock()
	ids := append([]ID(nil), b.byOwner[driver]...)
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Close(id, h)
	}
}

// Count returns the number of pipes currently open for driver.
func (b *Broker) Count(driver string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byOwner[driver])
}

func removeID(ids []ID, target ID) []ID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
