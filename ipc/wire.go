package ipc

import (
	"encoding/binary"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
)

func putUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }

// unmarshalSetupPacket decodes the 8-byte USB setup stage carried in an
// UrbRequest, mirroring hal.SetupPacket's field layout.
func unmarshalSetupPacket(b [8]byte) hcd.SetupPacket {
	return hcd.SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}
}

func derefSetup(sp *hcd.SetupPacket) hcd.SetupPacket {
	if sp == nil {
		return hcd.SetupPacket{}
	}
	return *sp
}

// marshalDeviceDescriptorReply packs a Devdesc reply: the 18-byte
// device descriptor followed by three length-prefixed UTF-8 strings
// (manufacturer, product, serial), matching devtree's one-byte string
// index convention.
func marshalDeviceDescriptorReply(desc devtree.DeviceDescriptor, manufacturer, product, serial string) []byte {
	buf := make([]byte, devtree.DeviceDescriptorSize)
	buf[0] = desc.Length
	buf[1] = desc.DescriptorType
	binary.LittleEndian.PutUint16(buf[2:4], desc.USBVersion)
	buf[4] = desc.DeviceClass
	buf[5] = desc.DeviceSubClass
	buf[6] = desc.DeviceProtocol
	buf[7] = desc.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], desc.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], desc.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], desc.DeviceVersion)
	buf[14] = desc.ManufacturerIndex
	buf[15] = desc.ProductIndex
	buf[16] = desc.SerialNumberIndex
	buf[17] = desc.NumConfigurations

	for _, s := range []string{manufacturer, product, serial} {
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	return buf
}
