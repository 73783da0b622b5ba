package devtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceDefaultsControlPipe(t *testing.T) {
	d := NewDevice(Root(0), 0, SpeedHigh, nil, 0)
	assert.Equal(t, StateDefault, d.State())
	require.NotNil(t, d.ControlPipe())
	assert.Equal(t, uint16(64), d.ControlPipe().MaxPacketLength)
}

func TestSetDescriptorUpdatesControlPipeMaxPacketSize(t *testing.T) {
	d := NewDevice(Root(0), 0, SpeedLow, nil, 0)
	d.SetDescriptor(DeviceDescriptor{MaxPacketSize0: 8})
	assert.Equal(t, uint16(8), d.ControlPipe().MaxPacketLength)
}

func TestBindUnbindInterface(t *testing.T) {
	d := NewDevice(Root(0), 0, SpeedHigh, nil, 0)
	d.SetConfiguration(&Configuration{
		Interfaces: []Interface{{Descriptor: InterfaceDescriptor{InterfaceNumber: 0}}},
	})

	assert.True(t, d.BindInterface(0, "driver.example"))
	ifaces := d.Interfaces()
	require.Len(t, ifaces, 1)
	assert.True(t, ifaces[0].Bound())
	assert.Equal(t, "driver.example", ifaces[0].BoundDriver())

	d.UnbindInterface(0)
	assert.False(t, d.Interfaces()[0].Bound())
}

func TestBindInterfaceUnconfiguredFails(t *testing.T) {
	d := NewDevice(Root(0), 0, SpeedHigh, nil, 0)
	assert.False(t, d.BindInterface(0, "x"))
}

func TestChildrenTracking(t *testing.T) {
	hub := NewDevice(Root(0), 0, SpeedHigh, nil, 0)
	hub.isHub = true

	loc, err := hub.location.Child(1)
	require.NoError(t, err)
	child := NewDevice(loc, 0, SpeedFull, hub, 1)

	hub.AddChild(1, child)
	assert.Equal(t, child, hub.Child(1))
	assert.Len(t, hub.Children(), 1)

	hub.RemoveChild(1)
	assert.Nil(t, hub.Child(1))
}

func TestStringCacheBounds(t *testing.T) {
	d := NewDevice(Root(0), 0, SpeedHigh, nil, 0)
	d.SetString(1, "Acme Inc")
	assert.Equal(t, "Acme Inc", d.String(1))
	assert.Equal(t, "", d.String(0))
	assert.Equal(t, "", d.String(255))
}
