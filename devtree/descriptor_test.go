package devtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceDescriptor(t *testing.T) {
	raw := []byte{
		18, 0x01, 0x00, 0x02, // length, type, bcdUSB
		0xFF, 0x00, 0x00, // class, subclass, protocol
		64,                    // max packet size 0
		0x34, 0x12, 0x78, 0x56, // vendor, product
		0x00, 0x01, // bcdDevice
		1, 2, 3, // string indices
		1, // num configurations
	}

	var d DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(raw, &d))
	assert.Equal(t, uint16(0x1234), d.VendorID)
	assert.Equal(t, uint16(0x5678), d.ProductID)
	assert.Equal(t, uint8(64), d.MaxPacketSize0)
	assert.Equal(t, uint8(1), d.NumConfigurations)
}

func TestParseDeviceDescriptorTooShort(t *testing.T) {
	var d DeviceDescriptor
	assert.False(t, ParseDeviceDescriptor(make([]byte, 10), &d))
}

func buildConfigBlob() []byte {
	// configuration header (9) + interface (9) + endpoint (7) + endpoint (7)
	cfg := []byte{9, 2, 32, 0, 1, 1, 0, 0x80, 50}
	iface := []byte{9, 4, 0, 0, 2, 0x08, 0x06, 0x50, 0}
	ep1 := []byte{7, 5, 0x81, 0x02, 64, 0, 0}
	ep2 := []byte{7, 5, 0x02, 0x02, 64, 0, 0}
	out := append([]byte{}, cfg...)
	out = append(out, iface...)
	out = append(out, ep1...)
	out = append(out, ep2...)
	return out
}

func TestParseConfigurationTree(t *testing.T) {
	blob := buildConfigBlob()
	cfg, ok := ParseConfigurationTree(blob)
	require.True(t, ok)
	require.Len(t, cfg.Interfaces, 1)

	iface := cfg.Interfaces[0]
	assert.Equal(t, uint8(0x08), iface.Descriptor.InterfaceClass)
	require.Len(t, iface.Endpoints, 2)
	assert.True(t, iface.Endpoints[0].IsIn())
	assert.False(t, iface.Endpoints[1].IsIn())
	assert.False(t, iface.Bound())
}

func TestParseConfigurationTreeRetainsClassBlobs(t *testing.T) {
	cfg := []byte{9, 2, 27, 0, 1, 1, 0, 0x80, 50}
	iface := []byte{9, 4, 0, 0, 0, 0x03, 0x00, 0x00, 0}
	hidBlob := []byte{9, 0x21, 0x11, 0x01, 0, 1, 0x22, 0x22, 0x00}
	blob := append([]byte{}, cfg...)
	blob = append(blob, iface...)
	blob = append(blob, hidBlob...)

	parsed, ok := ParseConfigurationTree(blob)
	require.True(t, ok)
	require.Len(t, parsed.Interfaces, 1)
	require.Len(t, parsed.Interfaces[0].ClassBlobs, 1)
	assert.Equal(t, hidBlob, parsed.Interfaces[0].ClassBlobs[0])
}

func TestEndpointDescriptorHelpers(t *testing.T) {
	ep := EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x03}
	assert.Equal(t, uint8(1), ep.Number())
	assert.True(t, ep.IsIn())
	assert.Equal(t, uint8(TransferInterrupt), ep.TransferType())
}
