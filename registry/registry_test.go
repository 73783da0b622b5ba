package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

type fakeHandler struct {
	insertions int
}

func (f *fakeHandler) OnInsertion(dev *devtree.Device, ifaceNum uint8) { f.insertions++ }
func (f *fakeHandler) OnDeletion(dev *devtree.Device, ifaceNum uint8)  {}
func (f *fakeHandler) OnCompletion(pipeID, urbID uint64, actual int, status pkgerr.Status) {}

func deviceWithClass(class, subClass, protocol uint8, vid, pid uint16) *devtree.Device {
	dev := devtree.NewDevice(devtree.LocationID(0), 0, devtree.SpeedHigh, nil, 0)
	dev.SetDescriptor(devtree.DeviceDescriptor{
		DeviceClass:    class,
		DeviceSubClass: subClass,
		DeviceProtocol: protocol,
		VendorID:       vid,
		ProductID:      pid,
	})
	dev.SetConfiguration(&devtree.Configuration{
		Interfaces: []devtree.Interface{
			{Descriptor: devtree.InterfaceDescriptor{InterfaceNumber: 0, InterfaceClass: class, InterfaceSubClass: subClass, InterfaceProtocol: protocol}},
		},
	})
	return dev
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("drv", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))
	err := r.Register("drv", nil, TransportInternal, nil)
	assert.ErrorIs(t, err, pkgerr.ErrAlreadyRegistered)
}

func TestBindMatchesDeviceClass(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("hid", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))

	dev := deviceWithClass(3, 1, 2, 0x1234, 0x5678)
	name, ok := r.Bind(dev, 0)
	require.True(t, ok)
	assert.Equal(t, "hid", name)
}

func TestBindFallsBackToInterfaceClassWhenDeviceClassIsZero(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("storage", []Filter{{Class: 8, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))

	dev := deviceWithClass(0, 0, 0, 0, 0)
	dev.SetConfiguration(&devtree.Configuration{
		Interfaces: []devtree.Interface{
			{Descriptor: devtree.InterfaceDescriptor{InterfaceNumber: 0, InterfaceClass: 8}},
		},
	})
	name, ok := r.Bind(dev, 0)
	require.True(t, ok)
	assert.Equal(t, "storage", name)
}

func TestBindPrefersMoreSpecificFilter(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("generic-hid", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))
	require.NoError(t, r.Register("vendor-hid", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: 0x1234, ProductID: Wildcard}}, TransportInternal, nil))

	dev := deviceWithClass(3, 0, 0, 0x1234, 0x5678)
	name, ok := r.Bind(dev, 0)
	require.True(t, ok)
	assert.Equal(t, "vendor-hid", name)
}

func TestBindTiesPickFirstRegistered(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("first", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))
	require.NoError(t, r.Register("second", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))

	dev := deviceWithClass(3, 0, 0, 0, 0)
	name, ok := r.Bind(dev, 0)
	require.True(t, ok)
	assert.Equal(t, "first", name)
}

func TestBindOrphansUnmatchedInterface(t *testing.T) {
	r := New(nil)
	dev := deviceWithClass(3, 0, 0, 0, 0)
	_, ok := r.Bind(dev, 0)
	assert.False(t, ok)
	assert.Equal(t, 1, r.OrphanCount())
}

func TestRegisterRescansOrphansOnRegistration(t *testing.T) {
	r := New(nil)
	dev := deviceWithClass(3, 0, 0, 0, 0)
	_, ok := r.Bind(dev, 0)
	require.False(t, ok)
	require.Equal(t, 1, r.OrphanCount())

	require.NoError(t, r.Register("hid", []Filter{{Class: 3, SubClass: Wildcard, Protocol: Wildcard, VendorID: Wildcard, ProductID: Wildcard}}, TransportInternal, nil))

	assert.Equal(t, 0, r.OrphanCount())
	assert.True(t, dev.Interfaces()[0].Bound())
	assert.Equal(t, "hid", dev.Interfaces()[0].BoundDriver())
}

func TestUnregisterUnknownDriverReturnsErrNoDriver(t *testing.T) {
	r := New(nil)
	err := r.Unregister("ghost")
	assert.ErrorIs(t, err, pkgerr.ErrNoDriver)
}

func TestHandlerReturnsWhateverWasRegisteredRegardlessOfTransport(t *testing.T) {
	r := New(nil)
	internal := &fakeHandler{}
	external := &fakeHandler{}
	require.NoError(t, r.Register("internal-drv", nil, TransportInternal, internal))
	require.NoError(t, r.Register("external-drv", nil, TransportExternal, external))
	require.NoError(t, r.Register("unhandled-drv", nil, TransportExternal, nil))

	assert.Equal(t, internal, r.Handler("internal-drv"))
	assert.Equal(t, external, r.Handler("external-drv"))
	assert.Nil(t, r.Handler("unhandled-drv"))
}

func TestReadyClosesOnlyAfterAcceptRegistrations(t *testing.T) {
	r := New(nil)
	select {
	case <-r.Ready():
		t.Fatal("ready channel closed before AcceptRegistrations")
	default:
	}

	r.AcceptRegistrations()

	select {
	case <-r.Ready():
	default:
		t.Fatal("ready channel should be closed after AcceptRegistrations")
	}
}
