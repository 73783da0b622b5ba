package registry

import (
	"sync"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// Transport distinguishes in-process driver callbacks from drivers
// living in an external process reached over the IPC gateway
// (specification §4.6).
type Transport uint8

const (
	// TransportInternal invokes Handler callbacks directly on the
	// engine's own goroutines.
	TransportInternal Transport = iota

	// TransportExternal delivers insertion/deletion/completion messages
	// to a driver's IPC port instead of calling Go code directly.
	TransportExternal
)

// Wildcard matches any value for a Filter field.
const Wildcard = -1

// Filter describes one candidate match a driver is willing to bind.
// Fields set to Wildcard match any device/interface value.
type Filter struct {
	Class    int
	SubClass int
	Protocol int
	VendorID int
	ProductID int
}

// match bit positions, lowest to highest priority, mirroring
// specification §4.6's "class, subclass, protocol, vid, pid, plus a
// baseline bit" score.
const (
	bitBaseline = 1 << iota
	bitProductID
	bitVendorID
	bitProtocol
	bitSubClass
	bitClass
)

// score returns the match bit-set for desc/iface against f, or 0 if any
// non-wildcard field disagrees.
func (f Filter) score(class, subClass, protocol, vid, pid uint16) int {
	s := bitBaseline
	if f.Class != Wildcard {
		if uint16(f.Class) != class {
			return 0
		}
		s |= bitClass
	}
	if f.SubClass != Wildcard {
		if uint16(f.SubClass) != subClass {
			return 0
		}
		s |= bitSubClass
	}
	if f.Protocol != Wildcard {
		if uint16(f.Protocol) != protocol {
			return 0
		}
		s |= bitProtocol
	}
	if f.VendorID != Wildcard {
		if uint16(f.VendorID) != vid {
			return 0
		}
		s |= bitVendorID
	}
	if f.ProductID != Wildcard {
		if uint16(f.ProductID) != pid {
			return 0
		}
		s |= bitProductID
	}
	return s
}

// Handler receives internal-transport notifications. External-transport
// drivers instead receive these events as IPC messages (see package
// ipc); Handler is nil for external drivers.
type Handler interface {
	OnInsertion(dev *devtree.Device, ifaceNum uint8)
	OnDeletion(dev *devtree.Device, ifaceNum uint8)
	OnCompletion(pipeID uint64, urbID uint64, actual int, status pkgerr.Status)
}

// record is one registered driver.
type record struct {
	name      string
	filters   []Filter
	transport Transport
	handler   Handler
}

// Store persists filter registrations across restarts. A nil Store
// disables persistence.
type Store interface {
	Save(name string, filters []Filter, transport Transport) error
	Delete(name string) error
	Load() (map[string][]Filter, error)
}

// Registry is the process-wide driver table (specification §4.6). One
// instance is shared by every HCD a core manages.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]*record
	order   []string // registration order, for tie-breaking
	orphans []orphan

	store Store

	readyOnce sync.Once
	ready     chan struct{}
}

// orphan tracks an interface with no bound driver, so a newly
// registered driver can be matched against it retroactively (the
// orphan rescan this implementation adds, see DESIGN.md).
type orphan struct {
	dev       *devtree.Device
	ifaceNum  uint8
	class     uint16
	subClass  uint16
	protocol  uint16
	vendorID  uint16
	productID uint16
}

// New returns an empty Registry. store may be nil to disable
// persistence.
func New(store Store) *Registry {
	return &Registry{
		drivers: make(map[string]*record),
		store:   store,
		ready:   make(chan struct{}),
	}
}

// Register adds driver's filter set, rescans the orphan list against
// it, and persists the registration if a Store is configured.
// Re-registering an already-registered name returns
// ErrAlreadyRegistered.
func (r *Registry) Register(name string, filters []Filter, transport Transport, h Handler) error {
	r.mu.Lock()
	if _, exists := r.drivers[name]; exists {
		r.mu.Unlock()
		return pkgerr.ErrAlreadyRegistered
	}
	r.drivers[name] = &record{name: name, filters: filters, transport: transport, handler: h}
	r.order = append(r.order, name)
	remaining := r.rescanOrphansLocked(name)
	r.mu.Unlock()

	pkglog.Info(pkglog.ComponentRegistry, "driver registered", "name", name, "filters", len(filters), "bound_orphans", len(remaining))

	if r.store != nil {
		if err := r.store.Save(name, filters, transport); err != nil {
			pkglog.Warn(pkglog.ComponentRegistry, "failed to persist registration", "name", name, "error", err)
		}
	}
	return nil
}

// rescanOrphansLocked matches every orphaned interface against name's
// just-registered filters, binding and removing matches from the
// orphan list. Caller must hold r.mu. Returns the interfaces bound.
func (r *Registry) rescanOrphansLocked(name string) []orphan {
	rec := r.drivers[name]
	var bound []orphan
	remaining := r.orphans[:0:0]
	for _, o := range r.orphans {
		if best, ok := bestFilter(rec.filters, o.class, o.subClass, o.protocol, o.vendorID, o.productID); ok {
			_ = best
			o.dev.BindInterface(o.ifaceNum, name)
			bound = append(bound, o)
			continue
		}
		remaining = append(remaining, o)
	}
	r.orphans = remaining
	return bound
}

// Unregister removes driver's record and deletes any persisted
// registration. Interfaces already bound to the driver keep that
// binding; they are not returned to the orphan list.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	if _, exists := r.drivers[name]; !exists {
		r.mu.Unlock()
		return pkgerr.ErrNoDriver
	}
	delete(r.drivers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	pkglog.Info(pkglog.ComponentRegistry, "driver unregistered", "name", name)

	if r.store != nil {
		if err := r.store.Delete(name); err != nil {
			pkglog.Warn(pkglog.ComponentRegistry, "failed to delete persisted registration", "name", name, "error", err)
		}
	}
	return nil
}

// Match finds the best-scoring registered driver for the given class
// triple and vendor/product IDs, per specification §4.6. Ties keep the
// first registered. Match reads no descriptors itself: Bind passes the
// device descriptor's class triple, or the interface's own triple when
// the device's class, subclass and protocol are all zero.
func (r *Registry) Match(class, subClass, protocol, vendorID, productID uint16) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestName := ""
	bestScore := 0
	for _, name := range r.order {
		rec := r.drivers[name]
		for _, f := range rec.filters {
			s := f.score(class, subClass, protocol, vendorID, productID)
			if s > bestScore {
				bestScore = s
				bestName = name
			}
		}
	}
	return bestName, bestName != ""
}

func bestFilter(filters []Filter, class, subClass, protocol, vendorID, productID uint16) (int, bool) {
	best := 0
	for _, f := range filters {
		if s := f.score(class, subClass, protocol, vendorID, productID); s > best {
			best = s
		}
	}
	return best, best != 0
}

// Bind attempts to match dev's device descriptor, falling back to
// ifaceNum's interface descriptor when the device-level class triple is
// all zero (the USB "per-interface class" convention). On a match it
// binds the interface and returns the winning driver's name; on no
// match it records the interface as orphaned for a future Register
// call to rescan.
func (r *Registry) Bind(dev *devtree.Device, ifaceNum uint8) (string, bool) {
	desc := dev.Descriptor()
	class, subClass, protocol := uint16(desc.DeviceClass), uint16(desc.DeviceSubClass), uint16(desc.DeviceProtocol)

	if class == 0 && subClass == 0 && protocol == 0 {
		for _, iface := range dev.Interfaces() {
			if iface.Descriptor.InterfaceNumber == ifaceNum {
				class = uint16(iface.Descriptor.InterfaceClass)
				subClass = uint16(iface.Descriptor.InterfaceSubClass)
				protocol = uint16(iface.Descriptor.InterfaceProtocol)
				break
			}
		}
	}

	name, ok := r.Match(class, subClass, protocol, uint16(desc.VendorID), uint16(desc.ProductID))
	if !ok {
		r.mu.Lock()
		r.orphans = append(r.orphans, orphan{dev: dev, ifaceNum: ifaceNum, class: class, subClass: subClass, protocol: protocol, vendorID: uint16(desc.VendorID), productID: uint16(desc.ProductID)})
		r.mu.Unlock()
		pkglog.Debug(pkglog.ComponentRegistry, "interface orphaned", "location", dev.Location().String(), "interface", ifaceNum)
		return "", false
	}

	dev.BindInterface(ifaceNum, name)
	return name, true
}

// OrphanCount reports how many interfaces currently await a matching
// driver.
func (r *Registry) OrphanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orphans)
}

// Handler returns the registered callback sink for name, or nil if name
// is unregistered or was registered without one. Transport only records
// how a driver implements its side of this interface: an internal
// driver's Handler runs its own Go code, while package ipc supplies a
// Handler for an external driver that marshals the same calls across
// its IPC connection. Callers here do not need to special-case either.
func (r *Registry) Handler(name string) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.drivers[name]
	if !ok {
		return nil
	}
	return rec.handler
}

// Transport returns the transport kind name was registered with.
func (r *Registry) Transport(name string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.drivers[name]
	if !ok {
		return 0, false
	}
	return rec.transport, true
}

// AcceptRegistrations closes the ready gate, signaling Ready. Called
// once a core's registration window closes (specification §9's open
// question on the registration race; see DESIGN.md).
func (r *Registry) AcceptRegistrations() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready returns a channel closed once AcceptRegistrations has run. The
// hub state machine must not drain port events before this fires, so
// every driver a caller intends to register before enumeration begins
// has had a chance to do so.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}
